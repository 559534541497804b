package system

import (
	"fmt"
	"runtime"
)

// RAMInfo contains information about system memory
type RAMInfo struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// GetRAMInfo returns information about system RAM
func GetRAMInfo() (*RAMInfo, error) {
	return getRAMInfo()
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// hostReserve is left to the OS and other processes
const hostReserve = int64(1 << 30)

// DefaultHostLimit returns the host memory budget used when none is
// configured: available RAM minus a 1 GiB reserve, or 0 (unlimited) when
// RAM cannot be determined.
func DefaultHostLimit() int64 {
	info, err := GetRAMInfo()
	if err != nil {
		return 0
	}
	return hostLimit(info)
}

func hostLimit(info *RAMInfo) int64 {
	limit := info.AvailableBytes - hostReserve
	// Never hand out less than half of what is free
	if half := info.AvailableBytes / 2; limit < half {
		limit = half
	}
	return limit
}

// Platform returns the current platform as os/arch
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
