// Package provenance computes, for every line that existed in a window of
// history, the revision that introduced it and the revision where it was
// deleted or last seen.
//
// The walk goes backward from the tip. Each file is represented by a ledger
// of pending lines, one per line of the file at the current step. Stepping
// from a commit to its first parent replays the diff in reverse: lines the
// commit inserted are claimed and emitted with that commit as their origin,
// and lines the commit deleted are added to the ledger, anchored at the
// commit as their terminal point.
package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// Point locates a line at a revision.
type Point struct {
	Revision    string
	Path        string
	Index       int
	Time        int64
	AuthorEmail string
}

func pointAt(c vcs.Commit, path string, index int) Point {
	return Point{
		Revision:    c.ID,
		Path:        path,
		Index:       index,
		Time:        c.Time,
		AuthorEmail: c.AuthorEmail,
	}
}

// LineRecord is the life span of one line.
type LineRecord struct {
	Origin   Point
	Terminal Point
	Text     string
	// Alive is set when the line still exists at the tip; Terminal is then
	// the tip position.
	Alive bool
	// Continued is set when the line already existed at the window tail.
	// Origin is then the tail position, not the line's real origin.
	Continued bool
}

// Age is the time between origin and terminal in seconds. It is negative
// when commit times go backward along the history.
func (r LineRecord) Age() int64 {
	return r.Terminal.Time - r.Origin.Time
}

// FileError reports a file whose ledger was abandoned.
type FileError struct {
	Path     string
	Revision string
	Err      error
}

// Error implements error.
func (e *FileError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Path, e.Revision, e.Err)
}

// Unwrap returns the cause.
func (e *FileError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a tracker run.
type Result struct {
	Tip  string
	Tail string
	// Records are sorted by origin time, origin path and origin index.
	Records []LineRecord
	// Errors lists the files whose lines were dropped.
	Errors []*FileError
	Steps  int
	// NegativeAges counts records whose terminal predates their origin.
	NegativeAges int
}

// Tracker runs the backward provenance walk.
type Tracker struct {
	Accessor vcs.Accessor
	// Workers is the number of ledger shards processed in parallel.
	Workers int
	// EmailFilter, when set, keeps only records whose origin author email
	// (normalized) is in the set. A continued record is matched on the
	// author of the tail commit it starts at.
	EmailFilter map[string]struct{}
	Logger      *slog.Logger
}

// Run tracks every line between tail (exclusive) and tip (inclusive). With an
// empty tail the walk ends at the root commit.
//
// Lines still pending when the walk reaches tail are reported with tail as
// their origin. Their real origin is older, so their age is understated; this
// lets incremental runs recompute only the newest window.
//
// Merge commits are compared with their first parent only.
func (t *Tracker) Run(ctx context.Context, tip, tail string) (*Result, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := t.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	if tail != "" && tail == tip {
		return &Result{Tip: tip, Tail: tail}, nil
	}

	commits, reachedTail, err := t.collectPath(ctx, tip, tail)
	if err != nil {
		return nil, err
	}

	if tail != "" && !reachedTail {
		logger.Warn("tail is not a first-parent ancestor of tip, walking to root", "tip", tip, "tail", tail)
	}

	w := newWalk(ctx, t.Accessor, workers)

	if err := w.seed(commits[0]); err != nil {
		return nil, err
	}

	result := &Result{Tip: tip}

	for i := range commits {
		newer := commits[i]

		if reachedTail && newer.ID == tail {
			result.Tail = tail
			w.closeAll(newer, true)

			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		older := vcs.Commit{}
		if i+1 < len(commits) {
			older = commits[i+1]
		}

		if err := w.step(older, newer); err != nil {
			return nil, err
		}

		result.Steps++

		if older.ID == "" {
			// Anything left after the root step means the diffs disagree
			// with the blobs; attribute it to the root.
			w.closeAll(newer, false)
		}
	}

	result.Records, result.Errors = w.finish()

	if t.EmailFilter != nil {
		result.Records = filterByEmail(result.Records, t.EmailFilter)
	}

	for _, r := range result.Records {
		if r.Age() < 0 {
			result.NegativeAges++
		}
	}

	if result.NegativeAges > 0 {
		logger.Debug("lines with negative age", "count", result.NegativeAges)
	}

	logger.Debug("provenance complete",
		"tip", tip, "steps", result.Steps, "records", len(result.Records), "file_errors", len(result.Errors))

	return result, nil
}

// collectPath returns the first-parent path from tip to tail or the root,
// newest first.
func (t *Tracker) collectPath(ctx context.Context, tip, tail string) ([]vcs.Commit, bool, error) {
	var (
		commits []vcs.Commit
		reached bool
	)

	err := t.Accessor.WalkParents(ctx, tip, func(c vcs.Commit) error {
		commits = append(commits, c)

		if tail != "" && c.ID == tail {
			reached = true

			return vcs.ErrStopWalk
		}

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("walk history from %s: %w", tip, err)
	}

	if len(commits) == 0 {
		return nil, false, fmt.Errorf("walk history from %s: %w", tip, vcs.ErrNotFound)
	}

	return commits, reached, nil
}

func filterByEmail(records []LineRecord, emails map[string]struct{}) []LineRecord {
	kept := records[:0]

	for _, r := range records {
		if _, ok := emails[identity.NormalizeEmail(r.Origin.AuthorEmail)]; ok {
			kept = append(kept, r)
		}
	}

	return kept
}

func sortRecords(records []LineRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Origin, records[j].Origin
		if a.Time != b.Time {
			return a.Time < b.Time
		}

		if a.Path != b.Path {
			return a.Path < b.Path
		}

		if a.Index != b.Index {
			return a.Index < b.Index
		}

		if a.Revision != b.Revision {
			return a.Revision < b.Revision
		}

		return records[i].Terminal.Time < records[j].Terminal.Time
	})
}
