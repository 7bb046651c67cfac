package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeader_EncodeDecode(t *testing.T) {
	h := recordHeader{
		LastModified: 1700000000,
		Hash:         0xA7,
		Flags:        flagsErased &^ flagWriteComplete,
		KeyLen:       127,
		ValLen:       2046,
	}
	buf := h.encode()
	require.Len(t, buf, recordHeaderSize)
	assert.Equal(t, h, decodeRecordHeader(buf))
}

func TestRecordHeader_ErasedIsEOF(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	h := decodeRecordHeader(raw)
	assert.Equal(t, uint8(flagsErased), h.Flags)
	assert.Equal(t, uint16(127), h.KeyLen)
	assert.Equal(t, uint16(eofValLen), h.ValLen)
}

func TestRecordHeader_FlagPolarity(t *testing.T) {
	h := recordHeader{Flags: flagsErased}
	assert.True(t, h.partiallyWritten())
	assert.False(t, h.written())
	assert.False(t, h.overwritten())
	assert.False(t, h.synced())

	h.Flags &^= flagWriteComplete
	assert.True(t, h.written())
	assert.False(t, h.partiallyWritten())

	h.Flags &^= flagOverwriteStarted
	assert.True(t, h.partiallyOverwritten())
	assert.False(t, h.overwritten())

	h.Flags &^= flagOverwriteComplete
	assert.True(t, h.overwritten())
	assert.False(t, h.partiallyOverwritten())
}

func TestRecordHeader_FlagByteKeepsKeyLenBits(t *testing.T) {
	// The flag byte shares its top two bits with the low bits of key_len;
	// asserting a flag must not disturb them.
	h := recordHeader{Flags: flagsErased, KeyLen: 0x7F}
	b := h.flagByte(flagWriteComplete)
	assert.Equal(t, byte(0x3)<<6, b&0xC0)
	assert.Zero(t, b&flagWriteComplete)
	assert.NotZero(t, b&flagOverwriteStarted)
}

func TestRecordHeader_Size(t *testing.T) {
	h := recordHeader{KeyLen: 3, ValLen: 10}
	assert.Equal(t, int64(recordHeaderSize+13), h.size())
}

func TestRecordHeader_TombstoneExpiry(t *testing.T) {
	h := recordHeader{LastModified: 1000, ValLen: 0}
	assert.True(t, h.tombstone())
	assert.False(t, h.expiredTombstone(1000, 600))
	assert.False(t, h.expiredTombstone(1600, 600))
	assert.True(t, h.expiredTombstone(1601, 600))
	// A clock rollback keeps the tombstone alive rather than underflowing.
	assert.False(t, h.expiredTombstone(500, 600))
}

func TestFileHeader_EncodeDecode(t *testing.T) {
	h := fileHeader{Version: fileFormatVersion, Flags: 0}
	buf := h.encode()
	require.Len(t, buf, fileHeaderSize)
	got, ok := decodeFileHeader(buf)
	require.True(t, ok)
	assert.Equal(t, h, got)

	buf[0] = 'X'
	_, ok = decodeFileHeader(buf)
	assert.False(t, ok)
}

func TestFileHeader_Erased(t *testing.T) {
	erased := make([]byte, fileHeaderSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	assert.True(t, fileHeaderErased(erased))
	erased[3] = 0
	assert.False(t, fileHeaderErased(erased))
}
