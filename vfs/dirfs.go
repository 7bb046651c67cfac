package vfs

import (
	"os"
)

const (
	dirAllocationUnit = 4096
	dirMetaOverhead   = 64
)

// DirFileSystem implements FileSystem using the local file system.
type DirFileSystem struct {
	// root is the root directory for this file system.
	// If empty, it uses the current working directory.
	root string
}

// NewDirFileSystem creates a new DirFileSystem.
func NewDirFileSystem(root string) *DirFileSystem {
	return &DirFileSystem{root: root}
}

func (fs *DirFileSystem) resolve(name string) string {
	if fs.root == "" {
		return name
	}
	return fs.root + string(os.PathSeparator) + name
}

func (fs *DirFileSystem) Create(name string) (File, error) {
	return os.Create(fs.resolve(name))
}

func (fs *DirFileSystem) Open(name string) (File, error) {
	return os.OpenFile(fs.resolve(name), os.O_RDWR, 0644)
}

func (fs *DirFileSystem) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(fs.resolve(name), flag, perm)
}

func (fs *DirFileSystem) Remove(name string) error {
	return os.Remove(fs.resolve(name))
}

func (fs *DirFileSystem) Rename(oldpath, newpath string) error {
	return os.Rename(fs.resolve(oldpath), fs.resolve(newpath))
}

func (fs *DirFileSystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.resolve(name))
}

func (fs *DirFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(fs.resolve(path), perm)
}

func (fs *DirFileSystem) OptimalSize(requested int64, nameLen int) int64 {
	overhead := int64(dirMetaOverhead + nameLen)
	blocks := (requested + overhead + dirAllocationUnit - 1) / dirAllocationUnit
	return blocks*dirAllocationUnit - overhead
}
