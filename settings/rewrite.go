package settings

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RewriteFunc receives each live record of the source file together with the
// fresh destination file. The callback decides what, if anything, to write
// into the destination, which is how callers migrate a file between formats.
type RewriteFunc func(e *Entry, dst *File) error

// FilterFunc reports whether a record should survive a filtered rewrite.
type FilterFunc func(e *Entry) bool

// Compact rewrites the file keeping only live records, reclaiming the space
// held by overwritten records and expired tombstones. Compaction is not
// scheduled in the background; it runs here, or implicitly when a Set would
// overflow the total allocation.
func (f *File) Compact() error {
	return f.rewriteFiltered(nil)
}

// RewriteFiltered compacts the file, additionally dropping every record for
// which keep returns false.
func (f *File) RewriteFiltered(keep FilterFunc) error {
	return f.rewriteFiltered(keep)
}

// Rewrite copies the file through fn record by record, then atomically
// replaces the original with the result.
func (f *File) Rewrite(fn RewriteFunc) error {
	dst, err := f.newSibling(f.name + rewriteSuffix)
	if err != nil {
		return err
	}
	err = f.walkLive(func(e *Entry) error {
		return fn(e, dst)
	})
	if err != nil {
		f.abandonSibling(dst)
		return err
	}
	return f.swap(dst)
}

// rewriteFiltered is the compaction primitive. Torn records are dropped,
// overwritten records and expired tombstones are skipped, and every copied
// record is written with its in-flight overwrite flags cleared: the rewrite
// is a checkpoint, and whatever it copies becomes the sole truth.
func (f *File) rewriteFiltered(keep FilterFunc) error {
	f.log.WithFields(logrus.Fields{
		"used_space": f.usedSpace,
		"dead_space": f.deadSpace,
	}).Info("rewriting settings file")

	dst, err := f.newSibling(f.name + rewriteSuffix)
	if err != nil {
		return err
	}
	dstPos := firstRecordOffset
	err = f.walkLive(func(e *Entry) error {
		if keep != nil && !keep(e) {
			return nil
		}
		key, err := e.Key()
		if err != nil {
			return err
		}
		val, err := e.Val()
		if err != nil {
			return err
		}
		if err := dst.appendRecordAt(dstPos, e.hdr.LastModified, key, val, e.hdr.synced()); err != nil {
			return err
		}
		dstPos += e.hdr.size()
		return nil
	})
	if err != nil {
		f.abandonSibling(dst)
		return err
	}
	return f.swap(dst)
}

// walkLive drives a rewrite: every well-formed, non-overwritten,
// non-expired-tombstone record is handed to action. The cursor is restored
// after each callback, so an action reading through the source file cannot
// desync the walk.
func (f *File) walkLive(action func(e *Entry) error) error {
	now := f.opts.Now()
	lifetime := f.opts.deletedLifetimeSeconds()

	it := f.it
	if err := it.begin(); err != nil {
		return err
	}
	for !it.end() {
		h := it.hdr
		if h.partiallyWritten() {
			break // torn tail record, dropped
		}
		if !h.overwritten() && !h.expiredTombstone(now, lifetime) {
			e := &Entry{f: f, pos: it.recordPos, hdr: h}
			f.curRecordPos = it.recordPos
			err := action(e)
			f.curRecordPos = 0
			if err != nil {
				return err
			}
			if err := it.setRecordPos(e.pos); err != nil {
				return err
			}
		}
		if err := it.next(); err != nil {
			return err
		}
	}
	return nil
}

// newSibling creates a fresh, empty settings file used as the target of a
// rewrite. It shares the source's budgets and options but skips the open
// protocol: there is nothing to recover in a file that has just been born.
func (f *File) newSibling(name string) (*File, error) {
	handle, err := f.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("settings: create %q: %w", name, err)
	}
	dst := &File{
		opts:          f.opts,
		fs:            f.fs,
		log:           f.log.WithField("rewrite_target", name),
		name:          name,
		maxUsedSpace:  f.maxUsedSpace,
		maxSpaceTotal: f.maxSpaceTotal,
	}
	dst.it = newRawIter(f.fs, handle, name, dst.log, f.opts.Fatal)
	dst.filter = newFilter(dst.filterCapacity())
	if err := dst.it.writeFileHeader(fileHeader{Version: fileFormatVersion}); err != nil {
		return nil, err
	}
	return dst, nil
}

func (f *File) abandonSibling(dst *File) {
	_ = dst.it.close()
	_ = f.fs.Remove(dst.name)
}

// swap atomically replaces the source file with the completed rewrite
// target, then reopens under the original name and rebuilds the cached
// statistics. The original stays authoritative until the rename; a crash
// before it only leaves a stale temporary behind.
func (f *File) swap(dst *File) error {
	if err := dst.it.file.Sync(); err != nil {
		f.abandonSibling(dst)
		return fmt.Errorf("settings: sync %q: %w", dst.name, err)
	}
	if err := dst.it.close(); err != nil {
		return fmt.Errorf("settings: close %q: %w", dst.name, err)
	}
	if err := f.it.close(); err != nil {
		return fmt.Errorf("settings: close %q: %w", f.name, err)
	}
	if err := f.fs.Rename(dst.name, f.name); err != nil {
		return fmt.Errorf("settings: rename %q over %q: %w", dst.name, f.name, err)
	}

	handle, err := f.fs.Open(f.name)
	if err != nil {
		return fmt.Errorf("settings: reopen %q: %w", f.name, err)
	}
	f.it = newRawIter(f.fs, handle, f.name, f.log, f.opts.Fatal)
	raw, err := f.it.readFileHeaderBytes()
	if err != nil {
		return err
	}
	if raw != nil {
		if hdr, ok := decodeFileHeader(raw); ok {
			f.it.fileHdr = hdr
		}
	}
	return f.recomputeStats()
}
