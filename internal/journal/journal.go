// Package journal records import intents so files interrupted mid-import
// can be found and re-imported after a crash.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of a journal entry.
type Kind string

const (
	KindBegin    Kind = "begin"
	KindComplete Kind = "complete"
)

// Entry is one framed journal record.
type Entry struct {
	LSN       uint64 `json:"lsn"`
	Kind      Kind   `json:"kind"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Source    string `json:"source,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Journal is an append-only file of length and CRC framed JSON entries.
// Every append is fsynced before it returns.
type Journal struct {
	path   string
	file   *os.File
	lsn    uint64
	logger *zap.Logger
	mu     sync.Mutex
}

// Open opens or creates the journal at path. A torn tail left by a crash
// is truncated away; damaged frames followed by intact ones are skipped and
// left in place.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	entries, valid, err := readEntries(path, logger)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := file.Truncate(valid); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate journal: %w", err)
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek journal: %w", err)
	}

	j := &Journal{path: path, file: file, logger: logger}
	if n := len(entries); n > 0 {
		j.lsn = entries[n-1].LSN
	}
	return j, nil
}

// Begin records that the import of a file is starting. Source names the
// importer that handles the file so recovery can route it back.
func (j *Journal) Begin(path, hash, source, runID string) (uint64, error) {
	return j.append(Entry{Kind: KindBegin, Path: path, Hash: hash, Source: source, RunID: runID})
}

// Complete records that the import of a file committed.
func (j *Journal) Complete(path, hash string) (uint64, error) {
	return j.append(Entry{Kind: KindComplete, Path: path, Hash: hash})
}

func (j *Journal) append(e Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, errors.New("journal is closed")
	}

	e.LSN = j.lsn + 1
	e.Timestamp = time.Now().UnixNano()
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal entry: %w", err)
	}

	// [length:4][crc32:4][payload:length]
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := j.file.Write(append(header, payload...)); err != nil {
		return 0, fmt.Errorf("failed to write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync: %w", err)
	}

	j.lsn = e.LSN
	return e.LSN, nil
}

// Entries returns every intact entry in the journal.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries, _, err := readEntries(j.path, j.logger)
	return entries, err
}

// Pending returns the latest begin entry of every file whose import began
// but never completed, in journal order. Files are identified by path, so
// completing a file whose content changed closes its earlier begin.
func (j *Journal) Pending() ([]Entry, error) {
	entries, err := j.Entries()
	if err != nil {
		return nil, err
	}

	open := make(map[string]Entry)
	for _, e := range entries {
		switch e.Kind {
		case KindBegin:
			open[e.Path] = e
		case KindComplete:
			delete(open, e.Path)
		}
	}

	var pending []Entry
	for _, e := range entries {
		if e.Kind != KindBegin {
			continue
		}
		if cur, ok := open[e.Path]; ok && cur.LSN == e.LSN {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Compact rewrites the journal keeping only pending begin entries.
func (j *Journal) Compact() error {
	pending, err := j.Pending()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	for _, e := range pending {
		payload, err := json.Marshal(e)
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
		if _, err := out.Write(append(header, payload...)); err != nil {
			out.Close()
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Whatever happens below, j.file ends up either nil or open on the file
	// at j.path, so later appends fail cleanly or keep working.
	var replaceErr error
	if err := j.file.Close(); err != nil {
		replaceErr = fmt.Errorf("failed to close journal: %w", err)
	} else if err := rename(tmp, j.path); err != nil {
		replaceErr = fmt.Errorf("failed to replace journal: %w", err)
	}
	j.file = nil
	if replaceErr != nil {
		os.Remove(tmp)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		if replaceErr != nil {
			return replaceErr
		}
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	return replaceErr
}

// rename is swapped out in tests.
var rename = os.Rename

// LastLSN returns the LSN of the most recent entry.
func (j *Journal) LastLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lsn
}

// Close fsyncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// maxEntrySize bounds the length field of a frame. Anything larger is
// treated as corruption rather than allocated.
const maxEntrySize = 1 << 20

const headerSize = 8

// readEntries reads framed entries and returns them with the offset just
// past the last intact one. A damaged frame is skipped by scanning forward
// to the next frame whose checksum holds; only damage with no intact frame
// after it counts as a torn tail.
func readEntries(path string, logger *zap.Logger) ([]Entry, int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read journal: %w", err)
	}

	var (
		entries []Entry
		offset  int64
		valid   int64
	)
	size := int64(len(data))
	for offset < size {
		payload, ok := frameAt(data, offset)
		if !ok {
			next := resync(data, offset+1)
			if next < 0 {
				logger.Warn("journal tail is damaged, truncating",
					zap.String("path", path), zap.Int64("offset", offset), zap.Int64("bytes", size-offset))
				break
			}
			logger.Warn("journal frame damaged, skipping",
				zap.String("path", path), zap.Int64("offset", offset), zap.Int64("bytes", next-offset))
			offset = next
			continue
		}

		next := offset + headerSize + int64(len(payload))
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			logger.Warn("journal entry unreadable, skipping",
				zap.String("path", path), zap.Int64("offset", offset), zap.Error(err))
		} else {
			entries = append(entries, e)
		}
		offset = next
		valid = next
	}
	return entries, valid, nil
}

// frameAt returns the payload of the frame starting at offset if its
// length is sane, it fits in data and its checksum matches.
func frameAt(data []byte, offset int64) ([]byte, bool) {
	if int64(len(data))-offset < headerSize {
		return nil, false
	}
	length := int64(binary.LittleEndian.Uint32(data[offset : offset+4]))
	crc := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
	if length == 0 || length > maxEntrySize || offset+headerSize+length > int64(len(data)) {
		return nil, false
	}
	payload := data[offset+headerSize : offset+headerSize+length]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, false
	}
	return payload, true
}

// resync returns the offset of the next intact frame at or after from, or
// -1 if there is none.
func resync(data []byte, from int64) int64 {
	for off := from; int64(len(data))-off >= headerSize; off++ {
		if _, ok := frameAt(data, off); ok {
			return off
		}
	}
	return -1
}
