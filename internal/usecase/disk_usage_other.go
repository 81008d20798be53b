//go:build !linux && !darwin

package usecase

import "errors"

func diskUsage(path string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage not supported on this platform")
}
