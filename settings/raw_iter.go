package settings

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"github.com/golang/snappy"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"pkg.gfire.dev/settingstore/vfs"
)

// faultDumpSize is the preferred window captured around the failing offset
// when an I/O primitive fails. The window halves until a read succeeds.
const faultDumpSize = 4096

// rawIter is a sequential cursor over one record stream. It owns no storage
// of its own, only a position and the header cached at that position, and it
// hides all offset arithmetic from the key/value layer above.
//
// Every underlying read or write is wrapped: a failing primitive means the
// position bookkeeping can no longer be trusted, so the iterator dumps
// diagnostic context, quarantines the file and escalates to the fatal
// handler instead of returning a retryable error.
type rawIter struct {
	fs    vfs.FileSystem
	file  vfs.File
	name  string
	log   logrus.FieldLogger
	fatal FatalFunc

	fileHdr fileHeader

	hdr        recordHeader
	hdrRaw     [recordHeaderSize]byte
	recordPos  int64
	resumedPos int64
}

func newRawIter(fs vfs.FileSystem, file vfs.File, name string, log logrus.FieldLogger, fatal FatalFunc) *rawIter {
	return &rawIter{
		fs:    fs,
		file:  file,
		name:  name,
		log:   log,
		fatal: fatal,
	}
}

// readFileHeaderBytes returns the raw file header, or a zero-length slice if
// the header region is absent or still erased.
func (it *rawIter) readFileHeaderBytes() ([]byte, error) {
	buf := make([]byte, fileHeaderSize)
	n, err := it.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, it.fault("read file header", 0, err)
	}
	if n < fileHeaderSize {
		return nil, nil
	}
	if fileHeaderErased(buf) {
		return nil, nil
	}
	return buf, nil
}

func (it *rawIter) writeFileHeader(h fileHeader) error {
	if _, err := it.file.WriteAt(h.encode(), 0); err != nil {
		return it.fault("write file header", 0, err)
	}
	it.fileHdr = h
	return nil
}

// begin positions the cursor on the first record and anchors the resume
// position there.
func (it *rawIter) begin() error {
	if err := it.setRecordPos(firstRecordOffset); err != nil {
		return err
	}
	it.resumedPos = firstRecordOffset
	return nil
}

// resume anchors the wraparound search at the current record without moving
// the cursor.
func (it *rawIter) resume() {
	it.resumedPos = it.recordPos
}

// next advances past the current record and reads the following header.
func (it *rawIter) next() error {
	return it.setRecordPos(it.recordPos + it.hdr.size())
}

// end reports whether the cached header is the end-of-stream sentinel.
func (it *rawIter) end() bool {
	for _, b := range it.hdrRaw {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// setRecordPos jumps to an absolute record offset and reads the header
// there. A header that extends past the end of the backing file reads as the
// end-of-stream sentinel: on append-style media there is no erased region
// after the last record, so a short read is the stream end.
func (it *rawIter) setRecordPos(pos int64) error {
	it.recordPos = pos
	n, err := it.file.ReadAt(it.hdrRaw[:], pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return it.fault("read record header", pos, err)
	}
	if n < recordHeaderSize {
		for i := range it.hdrRaw {
			it.hdrRaw[i] = 0xFF
		}
	}
	it.hdr = decodeRecordHeader(it.hdrRaw[:])
	return nil
}

func (it *rawIter) keyOffset() int64 {
	return it.recordPos + recordHeaderSize
}

func (it *rawIter) valOffset() int64 {
	return it.keyOffset() + int64(it.hdr.KeyLen)
}

func (it *rawIter) readKey() ([]byte, error) {
	buf := make([]byte, it.hdr.KeyLen)
	if _, err := it.file.ReadAt(buf, it.keyOffset()); err != nil {
		return nil, it.fault("read key", it.keyOffset(), err)
	}
	return buf, nil
}

func (it *rawIter) readVal() ([]byte, error) {
	buf := make([]byte, it.hdr.ValLen)
	if err := it.readValInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (it *rawIter) readValInto(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := it.file.ReadAt(buf, it.valOffset()); err != nil {
		return it.fault("read value", it.valOffset(), err)
	}
	return nil
}

// writeHeader rewrites the full header of the current record.
func (it *rawIter) writeHeader(h recordHeader) error {
	raw := h.encode()
	if _, err := it.file.WriteAt(raw, it.recordPos); err != nil {
		return it.fault("write record header", it.recordPos, err)
	}
	copy(it.hdrRaw[:], raw)
	it.hdr = h
	return nil
}

// writeBytes is positional bulk I/O used for record bodies and appends.
func (it *rawIter) writeBytes(off int64, p []byte, what string) error {
	if _, err := it.file.WriteAt(p, off); err != nil {
		return it.fault(what, off, err)
	}
	return nil
}

// writeByte mutates a single byte in place, used for flag assertion and
// value bitmask updates without rewriting the record.
func (it *rawIter) writeByte(off int64, b byte) error {
	if _, err := it.file.WriteAt([]byte{b}, off); err != nil {
		return it.fault("write byte", off, err)
	}
	return nil
}

// assertFlags asserts the given flag bits on the current record with a
// single in-place byte write and updates the cached header.
func (it *rawIter) assertFlags(f uint8) error {
	b := it.hdr.flagByte(f)
	if err := it.writeByte(it.recordPos+flagByteOffset, b); err != nil {
		return err
	}
	it.hdr.Flags &^= f
	it.hdrRaw[flagByteOffset] = b
	return nil
}

func (it *rawIter) close() error {
	return it.file.Close()
}

// fault handles a failed I/O primitive: capture context, quarantine the file
// so the next boot does not loop on the same corruption, and halt through
// the fatal handler. The wrapped error is returned for handlers that elect
// not to halt.
func (it *rawIter) fault(op string, off int64, err error) error {
	it.log.WithFields(logrus.Fields{
		"op":     op,
		"offset": off,
	}).WithError(err).Error("settings: unrecoverable storage failure")
	it.dump(off)
	if rmErr := it.fs.Remove(it.name); rmErr != nil {
		it.log.WithError(rmErr).Warn("settings: could not quarantine file")
	}
	it.fatal("settings: %s failed on %q at offset %d: %v", op, it.name, off, err)
	return err
}

// dump logs a best-effort capture of the bytes around off. The requested
// window shrinks by half until a read succeeds, so a fault near a torn
// region still yields partial context.
func (it *rawIter) dump(off int64) {
	for size := int64(faultDumpSize); size >= 256; size /= 2 {
		start := off - size/2
		if start < 0 {
			start = 0
		}
		buf := make([]byte, size)
		n, err := it.file.ReadAt(buf, start)
		if n == 0 && err != nil {
			continue
		}
		buf = buf[:n]
		digest := blake3.Sum256(buf)
		compressed := snappy.Encode(nil, buf)
		fields := logrus.Fields{
			"start":      start,
			"bytes":      n,
			"compressed": len(compressed),
			"digest":     hex.EncodeToString(digest[:]),
		}
		if len(compressed) <= 1024 {
			fields["data"] = base64.StdEncoding.EncodeToString(compressed)
		}
		it.log.WithFields(fields).Error("settings: file dump")
		return
	}
	it.log.Error("settings: file dump unavailable")
}
