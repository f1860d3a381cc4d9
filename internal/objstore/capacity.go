package objstore

import "fmt"

// VolumeStats describes the filesystem holding a path.
type VolumeStats struct {
	Total     int64
	Used      int64
	Available int64 // Space usable by non-root processes
}

// EnsureFree returns an error when the volume holding path has less than
// need bytes available.
func EnsureFree(path string, need int64) error {
	stats, err := GetVolumeStats(path)
	if err != nil {
		return err
	}
	if stats.Available < need {
		return fmt.Errorf("insufficient space in %s: need %d bytes, %d available", path, need, stats.Available)
	}
	return nil
}
