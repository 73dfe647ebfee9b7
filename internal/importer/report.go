package importer

import (
	"sort"
	"sync"

	"github.com/healthdb/healthdb/internal/ingest"
)

// Report is a tally of an importer's work.
type Report struct {
	FilesOK       int      `json:"files_ok"`
	FilesFailed   int      `json:"files_failed"`
	FilesSkipped  int      `json:"files_skipped"`
	FailedPaths   []string `json:"failed_paths,omitempty"`
	Written       int      `json:"messages_written"`
	MessageErrors int      `json:"message_errors"`
	Unhandled     int      `json:"unhandled"`
	Unknown       int      `json:"unknown"`
	Dropped       int      `json:"dropped"`
}

// Add folds other into r.
func (r *Report) Add(other Report) {
	r.FilesOK += other.FilesOK
	r.FilesFailed += other.FilesFailed
	r.FilesSkipped += other.FilesSkipped
	r.FailedPaths = append(r.FailedPaths, other.FailedPaths...)
	r.Written += other.Written
	r.MessageErrors += other.MessageErrors
	r.Unhandled += other.Unhandled
	r.Unknown += other.Unknown
	r.Dropped += other.Dropped
}

func (r *Report) addStats(s ingest.Stats) {
	r.Written += s.Written
	r.MessageErrors += s.Errors
	r.Unhandled += s.Unhandled
	r.Unknown += s.Unknown
	r.Dropped += s.Dropped
}

// tally accumulates reports across calls.
type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) add(r Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Add(r)
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.report
	out.FailedPaths = append([]string(nil), t.report.FailedPaths...)
	sort.Strings(out.FailedPaths)
	return out
}
