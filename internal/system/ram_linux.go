package system

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func getRAMInfo() (*RAMInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}

	unit := int64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := int64(si.Totalram) * unit
	if total == 0 {
		return nil, fmt.Errorf("could not determine total RAM")
	}
	available := (int64(si.Freeram) + int64(si.Bufferram)) * unit

	return &RAMInfo{
		TotalBytes:     total,
		AvailableBytes: available,
		UsedBytes:      total - available,
	}, nil
}
