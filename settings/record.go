package settings

import (
	"encoding/binary"
)

const (
	fileMagic         = "SETTINGS"
	fileFormatVersion = 1
	fileHeaderSize    = 12 // magic(8) + version(2) + flags(2)
	recordHeaderSize  = 8  // last_modified(4) + key hash(1) + packed flags/lengths(3)
	firstRecordOffset = int64(fileHeaderSize)
)

// MaxKeyLen and MaxValLen are fixed by the widths of the packed length fields
// in the record header: key_len is 7 bits, val_len is 11 bits with the top
// code reserved as the end-of-stream sentinel.
const (
	MaxKeyLen = 127
	MaxValLen = 2046

	eofValLen = 0x7FF
)

// Record flags use erased polarity: a header fresh off erased media reads all
// ones and a flag is asserted by clearing its bit. The end-of-stream sentinel
// (every header byte 0xFF) is then simply a header nothing has written, and
// asserting a flag later is a single in-place byte write. Flag bits are only
// ever cleared, so a record's state advances one way and never back.
const (
	flagWriteComplete     = 1 << 0
	flagOverwriteStarted  = 1 << 1
	flagOverwriteComplete = 1 << 2
	flagSynced            = 1 << 3

	flagsErased = 0x3F
)

type fileHeader struct {
	Version uint16
	Flags   uint16
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf, fileMagic)
	binary.LittleEndian.PutUint16(buf[8:], h.Version)
	binary.LittleEndian.PutUint16(buf[10:], h.Flags)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, bool) {
	if string(buf[:8]) != fileMagic {
		return fileHeader{}, false
	}
	return fileHeader{
		Version: binary.LittleEndian.Uint16(buf[8:]),
		Flags:   binary.LittleEndian.Uint16(buf[10:]),
	}, true
}

// fileHeaderErased reports whether the header region is still all erased
// bits, i.e. the file has never been initialized.
func fileHeaderErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// recordHeader is the fixed-width header preceding every record. The three
// trailing bytes pack flags(6) | key_len(7) | val_len(11) little-endian, low
// bits first.
type recordHeader struct {
	LastModified uint32
	Hash         uint8
	Flags        uint8
	KeyLen       uint16
	ValLen       uint16
}

func (h recordHeader) encode() []byte {
	buf := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(buf, h.LastModified)
	buf[4] = h.Hash
	packed := uint32(h.Flags&flagsErased) |
		uint32(h.KeyLen&0x7F)<<6 |
		uint32(h.ValLen&eofValLen)<<13
	buf[5] = byte(packed)
	buf[6] = byte(packed >> 8)
	buf[7] = byte(packed >> 16)
	return buf
}

func decodeRecordHeader(buf []byte) recordHeader {
	packed := uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16
	return recordHeader{
		LastModified: binary.LittleEndian.Uint32(buf),
		Hash:         buf[4],
		Flags:        uint8(packed & flagsErased),
		KeyLen:       uint16(packed >> 6 & 0x7F),
		ValLen:       uint16(packed >> 13 & eofValLen),
	}
}

// flagByte returns the header byte holding the flag field, with f asserted.
// Offset flagByteOffset within the header; the low two bits of key_len share
// this byte, so it must be rebuilt from the cached header rather than
// read-modify-written blind.
const flagByteOffset = 5

func (h recordHeader) flagByte(f uint8) byte {
	flags := h.Flags &^ f
	return byte(uint32(flags&flagsErased) | uint32(h.KeyLen&0x3)<<6)
}

func (h recordHeader) asserted(f uint8) bool {
	return h.Flags&f == 0
}

func (h recordHeader) written() bool {
	return h.asserted(flagWriteComplete)
}

func (h recordHeader) partiallyWritten() bool {
	return !h.asserted(flagWriteComplete)
}

func (h recordHeader) overwritten() bool {
	return h.asserted(flagOverwriteStarted) && h.asserted(flagOverwriteComplete)
}

func (h recordHeader) partiallyOverwritten() bool {
	return h.asserted(flagOverwriteStarted) && !h.asserted(flagOverwriteComplete)
}

func (h recordHeader) synced() bool {
	return h.asserted(flagSynced)
}

func (h recordHeader) tombstone() bool {
	return h.ValLen == 0
}

func (h recordHeader) expiredTombstone(now uint32, lifetime uint32) bool {
	return h.ValLen == 0 && now >= h.LastModified && now-h.LastModified > lifetime
}

// size is the full on-disk footprint of the record.
func (h recordHeader) size() int64 {
	return recordHeaderSize + int64(h.KeyLen) + int64(h.ValLen)
}

// dead reports whether the record no longer holds live data: overwritten,
// torn by a crash, or a tombstone past its retention window.
func (h recordHeader) dead(now uint32, lifetime uint32) bool {
	return h.partiallyWritten() || h.overwritten() || h.expiredTombstone(now, lifetime)
}
