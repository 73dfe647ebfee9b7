// Package ingest routes decoded messages to per-type handlers that merge
// their fields into the health databases.
package ingest

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/healthdb/healthdb/internal/store"
)

// DeviceContext identifies the device that created a file.
type DeviceContext struct {
	SerialNumber int64
	Manufacturer string
	Product      string
}

// Writers are the open write sessions of one file import, in nesting order.
type Writers struct {
	Garmin     *store.Session
	Monitoring *store.Session
	Activities *store.Session
}

// FileState is the per-file mutable state of an import. It is created
// fresh for every file and must never be shared between files.
type FileState struct {
	// Path is the file being imported
	Path string

	// FileID identifies the file; activity files use it as activity_id
	FileID string

	// Hash is the content hash of the raw file
	Hash string

	// Lap and Record are positional sequence numbers. Both start at 1 and
	// advance after each successful write.
	Lap    int
	Record int

	// Primary is the creating device, captured from the first identifying
	// message
	Primary *DeviceContext

	// LastTimestamp is the most recent full timestamp, used to expand
	// compressed 16-bit timestamps
	LastTimestamp time.Time

	Writers Writers

	// dropped collects the fan-outs lost by the message being handled
	dropped []Dropped
}

// takeDropped returns and clears the dropped fan-outs of the last message.
func (s *FileState) takeDropped() []Dropped {
	d := s.dropped
	s.dropped = nil
	return d
}

// NewFileState creates the state for importing path.
func NewFileState(path, hash string, w Writers) *FileState {
	return &FileState{
		Path:    path,
		FileID:  FileIDFromPath(path),
		Hash:    hash,
		Lap:     1,
		Record:  1,
		Writers: w,
	}
}

// FileIDFromPath derives the file identity from a file name: the part of
// the base name before the first underscore or dot, e.g. "12345678901"
// for "12345678901_ACTIVITY.fit".
func FileIDFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexAny(base, "_."); i > 0 {
		return base[:i]
	}
	return base
}

// SetPrimary records the creating device unless one is already known.
func (s *FileState) SetPrimary(dev DeviceContext) {
	if s.Primary == nil {
		s.Primary = &dev
	}
}

// Stats counts the outcome of dispatching one file.
type Stats struct {
	Written   int
	Errors    int
	Unhandled int
	Unknown   int

	// Dropped counts table rows lost because a message lacked a match key
	Dropped int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Written += other.Written
	s.Errors += other.Errors
	s.Unhandled += other.Unhandled
	s.Unknown += other.Unknown
	s.Dropped += other.Dropped
}
