package bundle

import (
	"io/fs"
	"sync/atomic"
	"testing"
)

type countingArchive struct {
	archive
	live *atomic.Int64
}

func (c *countingArchive) Close() error {
	c.live.Add(-1)
	return c.archive.Close()
}

func (c *countingArchive) Open(name string) (fs.File, error) {
	return c.archive.Open(name)
}

// TrackHandles wraps the archive opener for the duration of the test and
// returns a function reporting how many archives are currently open.
func TrackHandles(t testing.TB) func() int64 {
	t.Helper()
	var live atomic.Int64
	orig := openArchive
	openArchive = func(path string) (archive, error) {
		ar, err := orig(path)
		if err != nil {
			return nil, err
		}
		live.Add(1)
		return &countingArchive{archive: ar, live: &live}, nil
	}
	t.Cleanup(func() { openArchive = orig })
	return live.Load
}
