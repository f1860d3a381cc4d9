//go:build !windows

package objstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetVolumeStats returns filesystem statistics for the given path.
func GetVolumeStats(path string) (VolumeStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return VolumeStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(st.Bsize) //nolint:unconvert // uint32 on darwin
	total := int64(st.Blocks) * bsize
	return VolumeStats{
		Total:     total,
		Used:      total - int64(st.Bfree)*bsize,
		Available: int64(st.Bavail) * bsize,
	}, nil
}
