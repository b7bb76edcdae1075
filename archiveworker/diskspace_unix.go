//go:build unix

package archiveworker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkFreeSpace implements section 5's staging precondition, statfs-ing dir
// (which must already exist) and failing fast when the available space
// drops below minStagingFreeBytes.
func checkFreeSpace(dir string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("archiveworker: statfs %s: %w", dir, err)
	}
	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	if available < minStagingFreeBytes {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrInsufficientSpace, dir, available, uint64(minStagingFreeBytes))
	}
	return nil
}
