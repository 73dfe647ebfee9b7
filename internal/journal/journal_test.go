package journal

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.journal")
	j, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestJournal_BeginComplete(t *testing.T) {
	j, _ := openTest(t)

	lsn, err := j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lsn)
	_, err = j.Begin("/fit/b.fit", "h2", "fit", "run-1")
	require.NoError(t, err)
	lsn, err = j.Complete("/fit/a.fit", "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/fit/b.fit", pending[0].Path)
	assert.Equal(t, "run-1", pending[0].RunID)
	assert.Equal(t, "fit", pending[0].Source)
}

func TestJournal_ReopenKeepsLSNAndPending(t *testing.T) {
	j, path := openTest(t)
	_, err := j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(1), reopened.LastLSN())

	lsn, err := reopened.Complete("/fit/a.fit", "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lsn)

	pending, err := reopened.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournal_RetriedBeginReportedOnce(t *testing.T) {
	j, _ := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-2")

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "run-2", pending[0].RunID)
}

func TestJournal_CompleteClosesByPath(t *testing.T) {
	j, _ := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Complete("/fit/a.fit", "h2")

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournal_SkipsCorruptEntries(t *testing.T) {
	j, path := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Begin("/fit/b.fit", "h2", "fit", "run-1")
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a payload byte of the first entry.
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/fit/b.fit", pending[0].Path)
}

func TestJournal_CorruptLengthKeepsLaterEntries(t *testing.T) {
	j, path := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Begin("/fit/b.fit", "h2", "fit", "run-1")
	_, _ = j.Begin("/fit/c.fit", "h3", "fit", "run-1")
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	size := len(data)
	binary.LittleEndian.PutUint32(data[0:4], 0x7FFFFFFF)
	require.NoError(t, os.WriteFile(path, data, 0644))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size(), "intact entries after the damage are kept")

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/fit/b.fit", pending[0].Path)
	assert.Equal(t, "/fit/c.fit", pending[1].Path)
	assert.Equal(t, uint64(3), reopened.LastLSN())
}

func TestJournal_OversizedLengthAtTailIsTruncated(t *testing.T) {
	j, path := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	require.NoError(t, j.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), after.Size())
	entries, err := reopened.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_TruncatesTornTail(t *testing.T) {
	j, path := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Begin("/fit/b.fit", "h2", "fit", "run-2")
	require.NoError(t, err)

	entries, err := reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/fit/b.fit", entries[1].Path)
}

func TestJournal_Compact(t *testing.T) {
	j, _ := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Complete("/fit/a.fit", "h1")
	_, _ = j.Begin("/fit/b.fit", "h2", "fit", "run-1")

	require.NoError(t, j.Compact())
	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/fit/b.fit", entries[0].Path)

	lsn, err := j.Complete("/fit/b.fit", "h2")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lsn)
	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournal_CompactFailureKeepsJournalUsable(t *testing.T) {
	j, path := openTest(t)
	_, _ = j.Begin("/fit/a.fit", "h1", "fit", "run-1")
	_, _ = j.Complete("/fit/a.fit", "h1")
	_, _ = j.Begin("/fit/b.fit", "h2", "fit", "run-1")

	rename = func(string, string) error { return errors.New("disk full") }
	t.Cleanup(func() { rename = os.Rename })

	assert.Error(t, j.Compact())
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	_, err = j.Complete("/fit/b.fit", "h2")
	require.NoError(t, err)
	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	j, _ := openTest(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := j.Begin("/fit/file.fit", string(rune('a'+i)), "fit", "run")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	assert.Equal(t, uint64(20), j.LastLSN())
}

func TestJournal_ClosedRejectsAppend(t *testing.T) {
	j, _ := openTest(t)
	require.NoError(t, j.Close())
	_, err := j.Begin("x", "y", "fit", "z")
	assert.Error(t, err)
}
