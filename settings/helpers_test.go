package settings

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"pkg.gfire.dev/settingstore/internal/crc8"
	"pkg.gfire.dev/settingstore/vfs"
)

func testKeyHash(key string) byte {
	return crc8.Checksum([]byte(key))
}

// fatalRecorder captures fatal invocations instead of halting, so tests can
// assert on the unrecoverable-error path.
type fatalRecorder struct {
	calls []string
}

func (r *fatalRecorder) fatalf(format string, args ...interface{}) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// fakeClock is a settable wall clock in epoch seconds.
type fakeClock struct {
	now uint32
}

func (c *fakeClock) Now() uint32 { return c.now }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testOptions wires a memory filesystem, a silent logger, a fixed clock and
// a recording fatal handler.
func testOptions(fs vfs.FileSystem, clock *fakeClock) (Options, *fatalRecorder) {
	rec := &fatalRecorder{}
	return Options{
		FileSystem: fs,
		Logger:     quietLogger(),
		Now:        clock.Now,
		Fatal:      rec.fatalf,
	}, rec
}

// encodeTestRecord builds a complete on-disk record for low-level tests.
func encodeTestRecord(ts uint32, key, val string, flags uint8) []byte {
	hdr := recordHeader{
		LastModified: ts,
		Hash:         testKeyHash(key),
		Flags:        flags,
		KeyLen:       uint16(len(key)),
		ValLen:       uint16(len(val)),
	}
	buf := hdr.encode()
	buf = append(buf, key...)
	buf = append(buf, val...)
	return buf
}
