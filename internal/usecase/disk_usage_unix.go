//go:build linux || darwin

package usecase

import "golang.org/x/sys/unix"

// diskUsage reports the filesystem containing path. Free is the space
// available to unprivileged users.
func diskUsage(path string) (DiskUsage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskUsage{}, err
	}
	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	free := uint64(stat.Bavail) * bsize
	used := total - uint64(stat.Bfree)*bsize
	return DiskUsage{Path: path, Total: total, Free: free, Used: used}, nil
}
