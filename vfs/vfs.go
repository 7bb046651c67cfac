// Package vfs abstracts the block-file storage the settings engine runs on.
// Implementations must support positional reads and writes; the engine does
// its own offset bookkeeping on top.
package vfs

import (
	"io"
	"os"
)

// File is the interface for an open file in the VFS.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Seeker
	Stat() (os.FileInfo, error)
	Sync() error
}

// FileSystem is the interface for a virtual file system.
type FileSystem interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error

	// OptimalSize rounds a requested allocation up so that the file plus its
	// metadata (including the name) fills whole allocation units of the
	// underlying store. The returned size is never smaller than requested.
	OptimalSize(requested int64, nameLen int) int64
}
