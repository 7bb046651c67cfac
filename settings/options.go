package settings

import (
	"time"

	"github.com/sirupsen/logrus"

	"pkg.gfire.dev/settingstore/vfs"
)

// DefaultDeletedLifetime is how long a tombstone stays visible to iteration
// before it counts as dead space and becomes eligible for compaction. The
// window exists so observers syncing incrementally see the deletion before
// the record disappears.
const DefaultDeletedLifetime = 7 * 24 * time.Hour

// FatalFunc handles unrecoverable internal errors: failed media I/O and
// caller discipline bugs (double open, mutation during iteration). The
// default panics; tests inject a recorder to assert on the failure path.
type FatalFunc func(format string, args ...interface{})

// Options configures an open settings file.
type Options struct {
	// FileSystem is the backing store. If nil, a DirFileSystem rooted at the
	// working directory is used.
	FileSystem vfs.FileSystem

	// Logger receives structured open/recovery/compaction/fault events.
	// If nil, a default logrus logger is used.
	Logger logrus.FieldLogger

	// Now returns wall-clock seconds since epoch, used for record timestamps
	// and tombstone expiry. If nil, time.Now is used. The engine assumes the
	// clock does not run backwards between boots; a rollback can expire a
	// tombstone early or keep it past its window.
	Now func() uint32

	// Fatal is invoked on unrecoverable errors. If nil, the engine panics.
	Fatal FatalFunc

	// DeletedLifetime overrides DefaultDeletedLifetime when positive.
	DeletedLifetime time.Duration
}

func (o Options) withDefaults() Options {
	if o.FileSystem == nil {
		o.FileSystem = vfs.NewDirFileSystem("")
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Now == nil {
		o.Now = func() uint32 { return uint32(time.Now().Unix()) }
	}
	if o.Fatal == nil {
		logger := o.Logger
		o.Fatal = func(format string, args ...interface{}) {
			logger.Errorf(format, args...)
			panic("settings: unrecoverable error")
		}
	}
	if o.DeletedLifetime <= 0 {
		o.DeletedLifetime = DefaultDeletedLifetime
	}
	return o
}

func (o Options) deletedLifetimeSeconds() uint32 {
	return uint32(o.DeletedLifetime / time.Second)
}
