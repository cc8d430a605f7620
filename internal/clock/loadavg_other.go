//go:build !linux

package clock

import "errors"

// readLoadAvg has no portable implementation outside Linux's /proc
// filesystem; callers treat the error as "no load average available" and
// the CPU-load alert rules simply never fire on these platforms.
func readLoadAvg() (l1, l5, l15 float64, err error) {
	return 0, 0, 0, errors.New("clock: load average unavailable on this platform")
}
