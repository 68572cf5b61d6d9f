package db

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock holds an advisory exclusive lock on a project directory for the
// lifetime of a writable Store, so a second process cannot also open it
// writable (§4.1: read-only is "explicit or forced by filesystem/
// locked-file attributes").
type fileLock struct {
	f *os.File
}

// tryLockWritable attempts to acquire dir's exclusive, non-blocking lock.
// ok is false with a nil error when another process already holds it, the
// forced-read-only case §4.1 names; err is non-nil only for an unexpected
// I/O failure acquiring or opening the lock file.
func tryLockWritable(dir string) (*fileLock, bool, error) {
	f, err := os.OpenFile(filepath.Join(dir, ".crystal.lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &fileLock{f: f}, true, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// canWriteDir reports whether the process can create files in dir, the
// filesystem-permission half of §4.1's forced-read-only determination
// (a project directory mounted read-only, or owned by another user).
func canWriteDir(dir string) bool {
	probe := filepath.Join(dir, ".crystal.writecheck")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
