package project

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
)

// checkFreeSpace enforces the §4.1 guard: before any body write, free space
// on the volume backing dir must exceed min(4 GiB, 5% of volume). golang.org/x/sys
// already ships as a direct dependency for the statfs syscall, so there is
// no standard-library path here (os does not expose free-space stats).
func checkFreeSpace(dir string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if free < db.MinFreeBytes(total) {
		return crystalerr.New("project.checkFreeSpace", crystalerr.DiskFull,
			fmt.Errorf("%d bytes free, need at least %d", free, db.MinFreeBytes(total)))
	}
	return nil
}
