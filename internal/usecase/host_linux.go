//go:build linux

package usecase

import "golang.org/x/sys/unix"

// Kernel load averages are fixed point with 16 fractional bits.
const loadScale = 1 << 16

func hostMemory() (hostMem, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return hostMem{}, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return hostMem{
		loadAvg: []float64{
			float64(info.Loads[0]) / loadScale,
			float64(info.Loads[1]) / loadScale,
			float64(info.Loads[2]) / loadScale,
		},
		total: uint64(info.Totalram) * unit,
		free:  uint64(info.Freeram) * unit,
	}, true
}
