package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// File is the filesystem used for containers. Tests swap it to inject faults.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
	Fd() uintptr
}

// fileWrapper keeps the concrete type stored in the atomic.Value stable.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // stores fileWrapper

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the filesystem used by the package-level handlers
// and returns the previous one.
func SetDefaultFile(file File) File {
	prev := current()
	defaultFile.Store(fileWrapper{f: file})
	return prev
}

func current() File {
	fw, _ := defaultFile.Load().(fileWrapper)
	return fw.f
}

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	file := current()
	if file == nil {
		return nil, os.ErrInvalid
	}
	return ROpenFile(file, name, flag, perm)
}

var Rename RenameHandler = func(oldpath, newpath string) error {
	file := current()
	if file == nil {
		return os.ErrInvalid
	}
	return file.Rename(oldpath, newpath)
}

var Remove RemoveHandler = func(name string) error {
	file := current()
	if file == nil {
		return os.ErrInvalid
	}
	return file.Remove(name)
}

type osFile struct{}

// NewFile returns the operating system filesystem.
func NewFile() File {
	return osFile{}
}

func (osFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (osFile) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (osFile) Remove(name string) error {
	return os.Remove(name)
}
