package provenance

import (
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

var (
	errEditRange      = errors.New("edit out of range")
	errLedgerMismatch = errors.New("ledger does not match blob")
	errPathConflict   = errors.New("two files map to the same older path")
	errLeftover       = errors.New("added file has unclaimed lines")
)

// pendingLine is a line whose origin is not known yet.
type pendingLine struct {
	terminal Point
	text     string
	alive    bool
}

// ledger holds the pending lines of one file in the coordinates of the
// file at the current step.
type ledger struct {
	id    int
	lines []pendingLine
}

func (l *ledger) claim(p pendingLine, origin Point) LineRecord {
	return LineRecord{
		Origin:   origin,
		Terminal: p.terminal,
		Text:     p.text,
		Alive:    p.alive,
	}
}

// apply rewrites the ledger from newer to older coordinates and returns the
// records of the lines newer introduced. olderLines must be set when any
// edit removes older lines.
func (l *ledger) apply(fd vcs.FileDiff, newer vcs.Commit, olderLines []string) ([]LineRecord, error) {
	for _, e := range fd.Edits {
		if e.BeginB < 0 || e.BeginB > e.EndB || e.EndB > len(l.lines) ||
			e.BeginA < 0 || e.BeginA > e.EndA || (e.LenA() > 0 && e.EndA > len(olderLines)) {
			return nil, fmt.Errorf("%w: %+v with %d pending and %d older lines",
				errEditRange, e, len(l.lines), len(olderLines))
		}
	}

	var records []LineRecord

	// Back to front keeps the B offsets of earlier edits valid.
	for i := len(fd.Edits) - 1; i >= 0; i-- {
		e := fd.Edits[i]

		for k := e.BeginB; k < e.EndB; k++ {
			records = append(records, l.claim(l.lines[k], pointAt(newer, fd.NewPath, k)))
		}

		removed := make([]pendingLine, 0, e.LenA())
		for k := e.BeginA; k < e.EndA; k++ {
			removed = append(removed, pendingLine{
				terminal: pointAt(newer, fd.OldPath, k),
				text:     olderLines[k],
			})
		}

		lines := make([]pendingLine, 0, len(l.lines)-e.LenB()+e.LenA())
		lines = append(lines, l.lines[:e.BeginB]...)
		lines = append(lines, removed...)
		lines = append(lines, l.lines[e.EndB:]...)
		l.lines = lines
	}

	if olderLines != nil && len(l.lines) != len(olderLines) {
		return records, fmt.Errorf("%w: %d pending, %d in blob", errLedgerMismatch, len(l.lines), len(olderLines))
	}

	return records, nil
}

// close claims every pending line with origin at c, keeping slot positions.
func (l *ledger) close(c vcs.Commit, path string) []LineRecord {
	records := make([]LineRecord, 0, len(l.lines))

	for i, p := range l.lines {
		records = append(records, l.claim(p, pointAt(c, path, i)))
	}

	l.lines = nil

	return records
}

func needsOlderLines(fd vcs.FileDiff) bool {
	for _, e := range fd.Edits {
		if e.LenA() > 0 {
			return true
		}
	}

	return false
}
