//go:build linux

package sys

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// AdviseSequential tells the kernel that [offset, offset+length) will be
// read soon and mostly sequentially. A length of 0 means to the end of file.
func AdviseSequential(f FileHandle, offset, length int64) error {
	fd := int(f.Fd())
	if err := unix.Fadvise(fd, offset, length, unix.FADV_SEQUENTIAL); err != nil {
		return adviseErr(err)
	}
	if err := unix.Fadvise(fd, offset, length, unix.FADV_WILLNEED); err != nil {
		return adviseErr(err)
	}
	return nil
}

// Preallocate reserves size bytes for f without changing its visible size.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size); err != nil {
		return adviseErr(err)
	}
	return nil
}

// SyncDir fsyncs a directory so a rename inside it is durable.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: dir, Err: err}
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return &os.PathError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}

func adviseErr(err error) error {
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ESPIPE) {
		return ErrAdviseNotSupported
	}
	return fmt.Errorf("fadvise: %w", err)
}
