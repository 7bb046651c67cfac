// Package settings implements a log-structured, power-failure-safe key/value
// record store. Records are appended to a single stream; an update marks the
// previous record overwritten only after the replacement is fully written, so
// at every instant either the old or the new value is retrievable. Crash
// residue is repaired at open time and dead space is reclaimed by rewriting
// the file with only live records.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"pkg.gfire.dev/settingstore/internal/crc8"
	"pkg.gfire.dev/settingstore/vfs"
)

var (
	// ErrDoesNotExist is returned when a key has no live record.
	ErrDoesNotExist = errors.New("settings: key does not exist")
	// ErrRange is returned when a key, value or buffer length is out of range.
	ErrRange = errors.New("settings: length out of range")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("settings: invalid argument")
	// ErrOutOfStorage is returned when a write would exceed the used-space
	// budget. The file is untouched; retry after deleting keys.
	ErrOutOfStorage = errors.New("settings: storage budget exhausted")
	// ErrInvalidOperation is returned when the fatal handler declines to halt
	// on a caller discipline bug.
	ErrInvalidOperation = errors.New("settings: invalid operation")
)

const (
	// Extra allocation slack over the used-space budget, so the stream has
	// room for dead records between compactions.
	slackNumerator   = 6
	slackDenominator = 5

	rewriteSuffix = ".rewrite"

	bloomFPRate = 0.01
)

// openFiles tracks names held open per filesystem. Two instances over the
// same name would corrupt the record protocol without either noticing, so a
// second open is a fatal caller bug, not an error code.
var openFiles = struct {
	sync.Mutex
	names map[openKey]struct{}
}{names: make(map[openKey]struct{})}

type openKey struct {
	fs   vfs.FileSystem
	name string
}

func acquireOpen(fs vfs.FileSystem, name string) bool {
	openFiles.Lock()
	defer openFiles.Unlock()
	k := openKey{fs: fs, name: name}
	if _, ok := openFiles.names[k]; ok {
		return false
	}
	openFiles.names[k] = struct{}{}
	return true
}

func releaseOpen(fs vfs.FileSystem, name string) {
	openFiles.Lock()
	defer openFiles.Unlock()
	delete(openFiles.names, openKey{fs: fs, name: name})
}

// File is an open settings file. A File exclusively owns one file handle and
// one raw iterator over it; all access must be serialized by the caller.
type File struct {
	opts Options
	fs   vfs.FileSystem
	log  logrus.FieldLogger

	name          string
	maxUsedSpace  int
	maxSpaceTotal int

	it     *rawIter
	filter *bloom.BloomFilter

	usedSpace    int
	deadSpace    int
	lastModified uint32

	// curRecordPos is nonzero while Each is delivering a record; Set asserts
	// on it because relocating records under a live iteration would corrupt
	// the cursor.
	curRecordPos int64
}

// Open opens or creates the settings file name with the given used-space
// budget in bytes. By the time Open returns the file is internally
// consistent: crash residue from interrupted writes has been repaired or
// compacted away, and an unreadable or incompatible file has been recreated
// empty (data loss is deliberate and logged, never silent).
func Open(name string, maxUsedSpace int, opts Options) (*File, error) {
	opts = opts.withDefaults()
	if name == "" || maxUsedSpace <= 0 {
		return nil, ErrInvalidArgument
	}
	f := &File{
		opts:         opts,
		fs:           opts.FileSystem,
		log:          opts.Logger.WithField("settings_file", name),
		name:         name,
		maxUsedSpace: maxUsedSpace,
	}
	f.maxSpaceTotal = int(f.fs.OptimalSize(
		int64(maxUsedSpace)*slackNumerator/slackDenominator, len(name)))

	if !acquireOpen(f.fs, name) {
		opts.Fatal("settings: %q is already open", name)
		return nil, ErrInvalidOperation
	}

	// A crash mid-rewrite can leave a stale temporary behind; the original
	// is still authoritative.
	if _, err := f.fs.Stat(name + rewriteSuffix); err == nil {
		f.log.Warn("removing stale rewrite temporary")
		_ = f.fs.Remove(name + rewriteSuffix)
	}

	if err := f.openFile(true); err != nil {
		releaseOpen(f.fs, name)
		return nil, err
	}
	return f, nil
}

// openFile runs the open protocol: read or initialize the file header, run
// crash recovery, and recompute the cached space statistics. allowRecreate
// bounds the delete-and-retry fallback to a single attempt.
func (f *File) openFile(allowRecreate bool) error {
	handle, err := f.fs.Open(f.name)
	if errors.Is(err, os.ErrNotExist) {
		handle, err = f.fs.Create(f.name)
	}
	if err != nil {
		return fmt.Errorf("settings: open %q: %w", f.name, err)
	}
	f.it = newRawIter(f.fs, handle, f.name, f.log, f.opts.Fatal)

	raw, err := f.it.readFileHeaderBytes()
	if err != nil {
		return err
	}
	if raw == nil {
		if err := f.it.writeFileHeader(fileHeader{Version: fileFormatVersion}); err != nil {
			return err
		}
	} else {
		hdr, ok := decodeFileHeader(raw)
		if !ok {
			f.log.Warn("bad magic, recreating file")
			return f.recreate(allowRecreate)
		}
		if hdr.Version > fileFormatVersion {
			f.log.WithField("version", hdr.Version).Warn("format version from the future, recreating file")
			return f.recreate(allowRecreate)
		}
		f.it.fileHdr = hdr
	}

	if err := f.cleanupPartialTransactions(); err != nil {
		f.log.WithError(err).Warn("crash recovery failed, recreating file")
		return f.recreate(allowRecreate)
	}

	// If the physical file outgrew the current budget (the caller reduced
	// it since the file was created), compact into the new allocation. The
	// opposite direction needs nothing: a logical file grows on demand.
	if info, statErr := f.it.file.Stat(); statErr == nil && info.Size() > int64(f.maxSpaceTotal) {
		if err := f.rewriteFiltered(nil); err != nil {
			return err
		}
		return nil // rewriteFiltered recomputed the statistics
	}

	return f.recomputeStats()
}

// recreate discards the file and starts over empty. Corruption always
// degrades to "start over" rather than an ambiguous half-recovered state.
func (f *File) recreate(allowed bool) error {
	if !allowed {
		return fmt.Errorf("settings: %q unusable after recreate", f.name)
	}
	if f.it != nil {
		_ = f.it.close()
	}
	if err := f.fs.Remove(f.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("settings: remove %q: %w", f.name, err)
	}
	return f.openFile(false)
}

// Close releases the file handle. The File must not be used afterwards.
func (f *File) Close() error {
	releaseOpen(f.fs, f.name)
	if f.it == nil {
		return nil
	}
	return f.it.close()
}

// Name returns the file name the store was opened under.
func (f *File) Name() string { return f.name }

// UsedSpace returns the bytes occupied by live records, tombstones included
// until their retention window elapses.
func (f *File) UsedSpace() int { return f.usedSpace }

// DeadSpace returns the bytes occupied by overwritten records and expired
// tombstones, reclaimable by compaction.
func (f *File) DeadSpace() int { return f.deadSpace }

// LastModified returns the newest record timestamp in the file.
func (f *File) LastModified() uint32 { return f.lastModified }

func (f *File) filterCapacity() uint {
	return uint(f.maxUsedSpace/(recordHeaderSize+8) + 16)
}

func newFilter(capacity uint) *bloom.BloomFilter {
	return bloom.NewWithEstimates(capacity, bloomFPRate)
}

// recomputeStats rebuilds the space accounting and the key pre-filter from a
// full scan of the stream.
func (f *File) recomputeStats() error {
	f.usedSpace, f.deadSpace, f.lastModified = 0, 0, 0
	f.filter = newFilter(f.filterCapacity())
	now := f.opts.Now()
	lifetime := f.opts.deletedLifetimeSeconds()

	it := f.it
	if err := it.begin(); err != nil {
		return err
	}
	for !it.end() {
		h := it.hdr
		if h.partiallyWritten() {
			break // torn tail, already handled by recovery
		}
		if h.dead(now, lifetime) {
			f.deadSpace += int(h.size())
		} else {
			f.usedSpace += int(h.size())
			key, err := it.readKey()
			if err != nil {
				return err
			}
			f.filter.Add(key)
		}
		if h.LastModified > f.lastModified {
			f.lastModified = h.LastModified
		}
		if err := it.next(); err != nil {
			return err
		}
	}
	return nil
}

// cleanupPartialTransactions repairs crash residue left by an interrupted
// Set. A record whose overwrite started but never completed is fixed up in
// place when its replacement exists (the cheap, common case: only the final
// flag flip was lost); anything else falls back to a full compaction, which
// drops torn records and resolves every in-flight flag.
func (f *File) cleanupPartialTransactions() error {
	it := f.it
	if err := it.begin(); err != nil {
		return err
	}
	for !it.end() {
		h := it.hdr
		if h.partiallyWritten() {
			// A torn record is by construction the most recent append.
			f.log.Info("recovery: dropping torn record via compaction")
			return f.rewriteFiltered(nil)
		}
		if h.partiallyOverwritten() {
			pos := it.recordPos
			key, err := it.readKey()
			if err != nil {
				return err
			}
			found, err := f.findDuplicate(pos, key, h.size())
			if err != nil {
				return err
			}
			if err := it.setRecordPos(pos); err != nil {
				return err
			}
			if found {
				// The replacement completed; only the final flag flip was
				// interrupted. Finish it.
				f.log.Info("recovery: completing interrupted overwrite")
				if err := it.assertFlags(flagOverwriteComplete); err != nil {
					return err
				}
			} else {
				// The replacement never finished; keep this record and let
				// compaction clear the in-flight flag.
				f.log.Info("recovery: rolling back interrupted overwrite via compaction")
				return f.rewriteFiltered(nil)
			}
		}
		if err := it.next(); err != nil {
			return err
		}
	}
	return nil
}

// matches reports whether the record under the cursor is a live record for
// key. The single-byte hash rejects most mismatches before the byte compare.
func (f *File) matches(key []byte, hash byte) (bool, error) {
	h := f.it.hdr
	if h.partiallyWritten() || h.overwritten() {
		return false, nil
	}
	if int(h.KeyLen) != len(key) || h.Hash != hash {
		return false, nil
	}
	recKey, err := f.it.readKey()
	if err != nil {
		return false, err
	}
	return bytes.Equal(recKey, key), nil
}

// searchForward looks for the live record holding key, scanning from the
// resume anchor to the end of the stream and then wrapping from the first
// record back up to the anchor. A hit moves the anchor to the match, so
// repeated lookups of hot keys amortize toward a single header read.
func (f *File) searchForward(key []byte) (bool, error) {
	it := f.it
	hash := crc8.Checksum(key)
	start := it.resumedPos
	if start < firstRecordOffset {
		start = firstRecordOffset
	}
	if err := it.setRecordPos(start); err != nil {
		return false, err
	}
	for !it.end() {
		ok, err := f.matches(key, hash)
		if err != nil {
			return false, err
		}
		if ok {
			it.resume()
			return true, nil
		}
		if err := it.next(); err != nil {
			return false, err
		}
	}
	if err := it.setRecordPos(firstRecordOffset); err != nil {
		return false, err
	}
	for it.recordPos < start && !it.end() {
		ok, err := f.matches(key, hash)
		if err != nil {
			return false, err
		}
		if ok {
			it.resume()
			return true, nil
		}
		if err := it.next(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// findDuplicate looks for a live, fully written record for key anywhere in
// the stream other than excludePos. Recovery uses it to decide whether an
// interrupted overwrite actually completed.
func (f *File) findDuplicate(excludePos int64, key []byte, size int64) (bool, error) {
	it := f.it
	hash := crc8.Checksum(key)
	if err := it.setRecordPos(excludePos + size); err != nil {
		return false, err
	}
	for !it.end() {
		ok, err := f.matches(key, hash)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if err := it.next(); err != nil {
			return false, err
		}
	}
	if err := it.setRecordPos(firstRecordOffset); err != nil {
		return false, err
	}
	for it.recordPos < excludePos && !it.end() {
		ok, err := f.matches(key, hash)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if err := it.next(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// findLive locates the live record for key, returning its offset and
// on-disk size, or zero if absent. The bloom filter short-circuits misses
// before any file scan.
func (f *File) findLive(key []byte) (int64, int, error) {
	if f.filter != nil && !f.filter.Test(key) {
		return 0, 0, nil
	}
	found, err := f.searchForward(key)
	if err != nil || !found {
		return 0, 0, err
	}
	return f.it.recordPos, int(f.it.hdr.size()), nil
}

// findEnd walks forward from the cursor to the end-of-stream marker and
// returns its offset, where the next record is appended.
func (f *File) findEnd() (int64, error) {
	it := f.it
	for !it.end() {
		if err := it.next(); err != nil {
			return 0, err
		}
	}
	return it.recordPos, nil
}

// GetLen returns the value length of the live record for key, or 0 when the
// key is absent. A not-yet-expired tombstone also reports 0; the public read
// API does not distinguish "deleted recently" from "never set".
func (f *File) GetLen(key []byte) int {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return 0
	}
	pos, _, err := f.findLive(key)
	if err != nil || pos == 0 {
		return 0
	}
	return int(f.it.hdr.ValLen)
}

// Exists reports whether key holds a value.
func (f *File) Exists(key []byte) bool {
	return f.GetLen(key) > 0
}

// Get returns a copy of the value stored for key.
func (f *File) Get(key []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return nil, ErrInvalidArgument
	}
	pos, _, err := f.findLive(key)
	if err != nil {
		return nil, err
	}
	if pos == 0 || f.it.hdr.tombstone() {
		return nil, ErrDoesNotExist
	}
	return f.it.readVal()
}

// GetInto reads the value for key into out, which must be exactly the
// value's length: callers are expected to size the buffer via GetLen first,
// and a mismatch either way is ErrRange rather than a silent truncation.
func (f *File) GetInto(key []byte, out []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrInvalidArgument
	}
	pos, _, err := f.findLive(key)
	if err != nil {
		return err
	}
	if pos == 0 || f.it.hdr.tombstone() {
		return ErrDoesNotExist
	}
	if len(out) != int(f.it.hdr.ValLen) {
		return ErrRange
	}
	return f.it.readValInto(out)
}

// Set stores val under key. An empty val is a deletion: the key stops
// existing immediately, while the tombstone record stays iterable until its
// retention window elapses.
//
// The write protocol keeps one valid copy retrievable at every instant: the
// previous record is marked overwrite-started, the replacement is appended
// with its write-complete flag unasserted, the flag is asserted, and only
// then is the previous record marked overwrite-complete.
func (f *File) Set(key, val []byte) error {
	if f.curRecordPos != 0 {
		f.opts.Fatal("settings: mutation during iteration on %q", f.name)
		return ErrInvalidOperation
	}
	if len(key) == 0 {
		return ErrInvalidArgument
	}
	if len(key) > MaxKeyLen || len(val) > MaxValLen {
		return ErrRange
	}
	deleting := len(val) == 0
	newSize := recordHeaderSize + len(key) + len(val)

	oldPos, oldSize, err := f.findLive(key)
	if err != nil {
		return err
	}
	if !deleting && f.usedSpace-oldSize+newSize > f.maxUsedSpace {
		return ErrOutOfStorage
	}
	if fileHeaderSize+f.usedSpace+f.deadSpace+newSize > f.maxSpaceTotal {
		if err := f.rewriteFiltered(nil); err != nil {
			return err
		}
		oldPos, oldSize, err = f.findLive(key)
		if err != nil {
			return err
		}
		if fileHeaderSize+f.usedSpace+f.deadSpace+newSize > f.maxSpaceTotal {
			return ErrOutOfStorage
		}
	}

	now := f.opts.Now()
	it := f.it

	if oldPos != 0 {
		if err := it.setRecordPos(oldPos); err != nil {
			return err
		}
		if err := it.assertFlags(flagOverwriteStarted); err != nil {
			return err
		}
	}

	endPos, err := f.findEnd()
	if err != nil {
		return err
	}
	if err := f.appendRecordAt(endPos, now, key, val, false); err != nil {
		return err
	}
	it.resume() // anchor future lookups on the freshest copy

	if oldPos != 0 {
		if err := it.setRecordPos(oldPos); err != nil {
			return err
		}
		if err := it.assertFlags(flagOverwriteComplete); err != nil {
			return err
		}
		f.usedSpace -= oldSize
		f.deadSpace += oldSize
	}
	f.usedSpace += newSize
	if now > f.lastModified {
		f.lastModified = now
	}
	f.filter.Add(key)

	return it.file.Sync()
}

// appendRecordAt performs the three-phase append: header with write-complete
// unasserted plus key and value in one write, then the single-byte flag
// assertion that makes the record live. The cursor is left on the new record.
func (f *File) appendRecordAt(pos int64, ts uint32, key, val []byte, synced bool) error {
	it := f.it
	hdr := recordHeader{
		LastModified: ts,
		Hash:         crc8.Checksum(key),
		Flags:        flagsErased,
		KeyLen:       uint16(len(key)),
		ValLen:       uint16(len(val)),
	}
	buf := bytebufferpool.Get()
	buf.Write(hdr.encode())
	buf.Write(key)
	buf.Write(val)
	err := it.writeBytes(pos, buf.B, "append record")
	bytebufferpool.Put(buf)
	if err != nil {
		return err
	}
	if err := it.setRecordPos(pos); err != nil {
		return err
	}
	flags := uint8(flagWriteComplete)
	if synced {
		flags |= flagSynced
	}
	return it.assertFlags(flags)
}

// Delete removes key. Deleting an absent key still succeeds and still
// records a tombstone, so the deletion can propagate to sync observers.
func (f *File) Delete(key []byte) error {
	return f.Set(key, nil)
}

// SetByte overwrites one byte of an existing value in place, without
// relocating the record. Made for compact bitmask updates.
func (f *File) SetByte(key []byte, offset int, b byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrInvalidArgument
	}
	pos, _, err := f.findLive(key)
	if err != nil {
		return err
	}
	if pos == 0 || f.it.hdr.tombstone() {
		return ErrDoesNotExist
	}
	if offset < 0 || offset >= int(f.it.hdr.ValLen) {
		return ErrRange
	}
	return f.it.writeByte(f.it.valOffset()+int64(offset), b)
}

// MarkSynced asserts the synced flag on the live record for key, recording
// that its value was acknowledged by a remote peer.
func (f *File) MarkSynced(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrInvalidArgument
	}
	pos, _, err := f.findLive(key)
	if err != nil {
		return err
	}
	if pos == 0 {
		return ErrDoesNotExist
	}
	return f.it.assertFlags(flagSynced)
}

// Entry is the accessor handed to Each and Rewrite callbacks. Key and Val
// materialize bytes lazily and re-position the shared iterator first, so a
// callback doing unrelated reads through the same file cannot desync the
// walk.
type Entry struct {
	f   *File
	pos int64
	hdr recordHeader
}

func (e *Entry) restore() error {
	if e.f.it.recordPos != e.pos {
		return e.f.it.setRecordPos(e.pos)
	}
	return nil
}

// Key returns the record's key.
func (e *Entry) Key() ([]byte, error) {
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e.f.it.readKey()
}

// Val returns the record's value. Tombstones yield an empty slice.
func (e *Entry) Val() ([]byte, error) {
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e.f.it.readVal()
}

// KeyLen returns the key length in bytes.
func (e *Entry) KeyLen() int { return int(e.hdr.KeyLen) }

// ValLen returns the value length in bytes; 0 marks a tombstone.
func (e *Entry) ValLen() int { return int(e.hdr.ValLen) }

// LastModified returns the record's timestamp in seconds since epoch.
func (e *Entry) LastModified() uint32 { return e.hdr.LastModified }

// Dirty reports whether the record still awaits acknowledgement by a remote
// peer, i.e. its synced flag is unasserted.
func (e *Entry) Dirty() bool { return !e.hdr.synced() }

// Each invokes fn for every live record, unexpired tombstones included.
// Returning false stops the walk early. Mutating the file from inside fn is
// a fatal caller bug.
func (f *File) Each(fn func(e *Entry) bool) error {
	if f.curRecordPos != 0 {
		f.opts.Fatal("settings: nested iteration on %q", f.name)
		return ErrInvalidOperation
	}
	now := f.opts.Now()
	lifetime := f.opts.deletedLifetimeSeconds()

	it := f.it
	if err := it.begin(); err != nil {
		return err
	}
	for !it.end() {
		h := it.hdr
		if h.partiallyWritten() {
			break
		}
		if !h.overwritten() && !h.expiredTombstone(now, lifetime) {
			e := &Entry{f: f, pos: it.recordPos, hdr: h}
			f.curRecordPos = it.recordPos
			keep := fn(e)
			f.curRecordPos = 0
			if !keep {
				return nil
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
