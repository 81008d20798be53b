//go:build !linux

package usecase

func hostMemory() (hostMem, bool) {
	return hostMem{}, false
}
