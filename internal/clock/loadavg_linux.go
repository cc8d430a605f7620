//go:build linux

package clock

import (
	"fmt"
	"os"
	"strings"
)

// readLoadAvg parses /proc/loadavg, the same thing top/uptime read. Only
// Linux exposes it this way; other platforms fall back to zeros (handled by
// the caller treating a non-nil error as "no data").
func readLoadAvg() (l1, l5, l15 float64, err error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("clock: unexpected /proc/loadavg format")
	}
	if _, err := fmt.Sscanf(fields[0], "%f", &l1); err != nil {
		return 0, 0, 0, err
	}
	if _, err := fmt.Sscanf(fields[1], "%f", &l5); err != nil {
		return 0, 0, 0, err
	}
	if _, err := fmt.Sscanf(fields[2], "%f", &l15); err != nil {
		return 0, 0, 0, err
	}
	return l1, l5, l15, nil
}
