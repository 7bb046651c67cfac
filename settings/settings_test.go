package settings

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.gfire.dev/settingstore/vfs"
)

func openTestFile(t *testing.T, fs vfs.FileSystem, name string, budget int, clock *fakeClock) (*File, *fatalRecorder) {
	t.Helper()
	opts, rec := testOptions(fs, clock)
	f, err := Open(name, budget, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, rec
}

func TestOpen_InvalidArguments(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	opts, _ := testOptions(fs, &fakeClock{now: 1000})

	_, err := Open("", 4096, opts)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Open("settings", 0, opts)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetGetRoundTrip(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	clock := &fakeClock{now: 1000}
	f, rec := openTestFile(t, fs, "settings", 4096, clock)

	require.NoError(t, f.Set([]byte("volume"), []byte{0x2A}))

	got, err := f.Get([]byte("volume"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A}, got)
	assert.True(t, f.Exists([]byte("volume")))
	assert.Equal(t, 1, f.GetLen([]byte("volume")))

	// Overwrite replaces the visible value.
	require.NoError(t, f.Set([]byte("volume"), []byte{0x2A, 0x2B})) // grow too
	got, err = f.Get([]byte("volume"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A, 0x2B}, got)
	assert.Equal(t, 2, f.GetLen([]byte("volume")))
	assert.Empty(t, rec.calls)
}

func TestGet_MissingKey(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	_, err := f.Get([]byte("nope"))
	assert.ErrorIs(t, err, ErrDoesNotExist)
	assert.False(t, f.Exists([]byte("nope")))
	assert.Zero(t, f.GetLen([]byte("nope")))
}

func TestGetInto_ExactLengthOnly(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("k"), []byte("abcd")))

	out := make([]byte, 4)
	require.NoError(t, f.GetInto([]byte("k"), out))
	assert.Equal(t, []byte("abcd"), out)

	assert.ErrorIs(t, f.GetInto([]byte("k"), make([]byte, 3)), ErrRange)
	assert.ErrorIs(t, f.GetInto([]byte("k"), make([]byte, 5)), ErrRange)
	assert.ErrorIs(t, f.GetInto([]byte("absent"), out), ErrDoesNotExist)
}

func TestSet_LengthLimits(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 8192, &fakeClock{now: 1000})

	assert.ErrorIs(t, f.Set(nil, []byte("v")), ErrInvalidArgument)
	assert.ErrorIs(t, f.Set(bytes.Repeat([]byte("k"), MaxKeyLen+1), []byte("v")), ErrRange)
	assert.ErrorIs(t, f.Set([]byte("k"), make([]byte, MaxValLen+1)), ErrRange)

	longKey := []byte(strings.Repeat("k", MaxKeyLen))
	require.NoError(t, f.Set(longKey, []byte("v")))
	got, err := f.Get(longKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	maxVal := bytes.Repeat([]byte{0xAB}, MaxValLen)
	require.NoError(t, f.Set([]byte("big"), maxVal))
	got, err = f.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, maxVal, got)
}

func TestDelete_Semantics(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	clock := &fakeClock{now: 1000}
	f, _ := openTestFile(t, fs, "settings", 4096, clock)

	require.NoError(t, f.Set([]byte("gone"), []byte("v")))
	require.NoError(t, f.Delete([]byte("gone")))

	assert.False(t, f.Exists([]byte("gone")))
	assert.Zero(t, f.GetLen([]byte("gone")))
	_, err := f.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrDoesNotExist)

	// Deleting again, or deleting a key that never existed, still succeeds.
	require.NoError(t, f.Delete([]byte("gone")))
	require.NoError(t, f.Delete([]byte("never")))

	// The tombstones stay iterable inside the retention window so deletions
	// can propagate to observers.
	seen := map[string]int{}
	require.NoError(t, f.Each(func(e *Entry) bool {
		key, err := e.Key()
		require.NoError(t, err)
		seen[string(key)] = e.ValLen()
		return true
	}))
	assert.Equal(t, map[string]int{"gone": 0, "never": 0}, seen)
}

func TestWraparoundSearch(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("aa"), []byte("1")))
	require.NoError(t, f.Set([]byte("bb"), []byte("2")))
	require.NoError(t, f.Set([]byte("cc"), []byte("3")))

	// Looking up the last key parks the search anchor past the earlier
	// records; finding them again requires wrapping around.
	got, err := f.Get([]byte("cc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got)

	got, err = f.Get([]byte("aa"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	got, err = f.Get([]byte("bb"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestSet_OutOfStorage(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 64, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("a"), bytes.Repeat([]byte("x"), 40)))
	err := f.Set([]byte("b"), bytes.Repeat([]byte("y"), 40))
	assert.ErrorIs(t, err, ErrOutOfStorage)

	// The failed write left the file untouched.
	got, getErr := f.Get([]byte("a"))
	require.NoError(t, getErr)
	assert.Len(t, got, 40)
	assert.False(t, f.Exists([]byte("b")))

	// Shrinking the existing value frees budget for the new key.
	require.NoError(t, f.Set([]byte("a"), []byte("x")))
	require.NoError(t, f.Set([]byte("b"), []byte("y")))
}

func TestSetByte(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("mask"), []byte{0x00, 0x00, 0x00}))
	require.NoError(t, f.SetByte([]byte("mask"), 1, 0x80))

	got, err := f.Get([]byte("mask"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x80, 0x00}, got)

	assert.ErrorIs(t, f.SetByte([]byte("mask"), 3, 0xFF), ErrRange)
	assert.ErrorIs(t, f.SetByte([]byte("mask"), -1, 0xFF), ErrRange)
	assert.ErrorIs(t, f.SetByte([]byte("absent"), 0, 0xFF), ErrDoesNotExist)
}

func TestMarkSyncedAndDirty(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("k"), []byte("v")))

	dirty := func() bool {
		var d bool
		require.NoError(t, f.Each(func(e *Entry) bool {
			d = e.Dirty()
			return true
		}))
		return d
	}
	assert.True(t, dirty())

	require.NoError(t, f.MarkSynced([]byte("k")))
	assert.False(t, dirty())

	// A new value for the key starts dirty again.
	require.NoError(t, f.Set([]byte("k"), []byte("w")))
	assert.True(t, dirty())

	assert.ErrorIs(t, f.MarkSynced([]byte("absent")), ErrDoesNotExist)
}

func TestEach_EarlyStop(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.Set([]byte(k), []byte(k)))
	}

	var visited int
	require.NoError(t, f.Each(func(e *Entry) bool {
		visited++
		return visited < 2
	}))
	assert.Equal(t, 2, visited)
}

func TestEach_MutationIsFatal(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	f, rec := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	require.NoError(t, f.Set([]byte("k"), []byte("v")))

	require.NoError(t, f.Each(func(e *Entry) bool {
		err := f.Set([]byte("other"), []byte("v"))
		assert.ErrorIs(t, err, ErrInvalidOperation)
		return false
	}))
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0], "mutation during iteration")
}

func TestOpen_DoubleOpenIsFatal(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	_, _ = openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})

	opts, rec := testOptions(fs, &fakeClock{now: 1000})
	_, err := Open("settings", 4096, opts)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0], "already open")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	clock := &fakeClock{now: 1000}

	opts, _ := testOptions(fs, clock)
	f, err := Open("settings", 4096, opts)
	require.NoError(t, err)
	require.NoError(t, f.Set([]byte("prefs"), []byte(`{"volume":42}`)))
	require.NoError(t, f.Set([]byte("vol"), []byte{42}))
	require.NoError(t, f.Delete([]byte("prefs")))
	used, dead, modified := f.UsedSpace(), f.DeadSpace(), f.LastModified()
	require.NoError(t, f.Close())

	clock.now = 2000
	f, err = Open("settings", 4096, opts)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.Get([]byte("vol"))
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, got)
	assert.False(t, f.Exists([]byte("prefs")))
	assert.Equal(t, used, f.UsedSpace())
	assert.Equal(t, dead, f.DeadSpace())
	assert.Equal(t, modified, f.LastModified())
}

func TestOpen_RecreatesOnBadMagic(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	h, err := fs.Create("settings")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("this is not a settings file at all"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	f, rec := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})
	assert.Empty(t, rec.calls)
	assert.Zero(t, f.UsedSpace())
	require.NoError(t, f.Set([]byte("k"), []byte("v")))
}

func TestOpen_RecreatesOnFutureVersion(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	h, err := fs.Create("settings")
	require.NoError(t, err)
	_, err = h.WriteAt(fileHeader{Version: fileFormatVersion + 1}.encode(), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	f, rec := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})
	assert.Empty(t, rec.calls)
	assert.Zero(t, f.UsedSpace())
}

func TestOpen_RemovesStaleRewriteTemporary(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	h, err := fs.Create("settings" + rewriteSuffix)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	f, _ := openTestFile(t, fs, "settings", 4096, &fakeClock{now: 1000})
	require.NoError(t, f.Set([]byte("k"), []byte("v")))

	_, statErr := fs.Stat("settings" + rewriteSuffix)
	assert.Error(t, statErr)
}

func TestSpaceAccounting(t *testing.T) {
	fs := vfs.NewMemFileSystem()
	clock := &fakeClock{now: 1000}
	f, _ := openTestFile(t, fs, "settings", 4096, clock)

	require.NoError(t, f.Set([]byte("k"), []byte("1234")))
	first := recordHeaderSize + 1 + 4
	assert.Equal(t, first, f.UsedSpace())
	assert.Zero(t, f.DeadSpace())
	assert.Equal(t, uint32(1000), f.LastModified())

	clock.now = 1500
	require.NoError(t, f.Set([]byte("k"), []byte("12")))
	second := recordHeaderSize + 1 + 2
	assert.Equal(t, second, f.UsedSpace())
	assert.Equal(t, first, f.DeadSpace())
	assert.Equal(t, uint32(1500), f.LastModified())
}
