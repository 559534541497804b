package gpu

import (
	"fmt"
	"strings"
)

// Location describes where the bytes of a block physically reside
type Location int

const (
	LocationHost   Location = iota // host memory
	LocationDevice                 // accelerator memory
	LocationBoth                   // managed memory addressable from host and accelerator
	LocationInvalid                // sentinel; also the number of real locations
)

// NumLocations is the number of real storage locations, used to size
// per-location tables.
const NumLocations = int(LocationInvalid)

func (l Location) String() string {
	switch l {
	case LocationHost:
		return "host"
	case LocationDevice:
		return "device"
	case LocationBoth:
		return "both"
	default:
		return "invalid"
	}
}

// Valid reports whether l names a real location.
func (l Location) Valid() bool {
	return l >= LocationHost && l < LocationInvalid
}

// HostAddressable reports whether the host may read and write the bytes
// directly.
func (l Location) HostAddressable() bool {
	return l == LocationHost || l == LocationBoth
}

// ParseLocation parses a location name as printed by String.
// "gpu" is accepted as an alias for "device".
func ParseLocation(s string) (Location, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "cpu":
		return LocationHost, nil
	case "device", "gpu":
		return LocationDevice, nil
	case "both", "managed":
		return LocationBoth, nil
	default:
		return LocationInvalid, fmt.Errorf("unknown location: %q", s)
	}
}
