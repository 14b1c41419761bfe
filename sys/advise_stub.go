//go:build !linux

package sys

import "os"

func AdviseSequential(f FileHandle, offset, length int64) error {
	return ErrAdviseNotSupported
}

func Preallocate(f FileHandle, size int64) error {
	return ErrAdviseNotSupported
}

func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directories cannot be synced on every platform.
	_ = d.Sync()
	return nil
}
