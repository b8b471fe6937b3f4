package provenance

import (
	"context"
	"strings"
	"sync"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// walk is the state of one tracker run. The coordinator owns the path map
// and poisoned set; shard workers only touch the ledgers of their tasks.
type walk struct {
	ctx     context.Context
	acc     vcs.Accessor
	workers int

	byPath   map[string]*ledger
	poisoned map[string]bool
	nextID   int

	// records and errs are indexed by shard and merged in finish.
	records [][]LineRecord
	errs    []*FileError
}

// task is one file diff bound to the ledger it rewrites.
type task struct {
	fd     vcs.FileDiff
	ledger *ledger
	err    *FileError
	// seed is set when the newer side is untracked binary content and the
	// older side may still hold text lines.
	seed bool
}

func newWalk(ctx context.Context, acc vcs.Accessor, workers int) *walk {
	return &walk{
		ctx:      ctx,
		acc:      acc,
		workers:  workers,
		byPath:   make(map[string]*ledger),
		poisoned: make(map[string]bool),
		records:  make([][]LineRecord, workers),
	}
}

func (w *walk) newLedger() *ledger {
	l := &ledger{id: w.nextID}
	w.nextID++

	return l
}

func (w *walk) shardOf(l *ledger) int {
	return l.id % w.workers
}

func (w *walk) fail(path, rev string, err error) {
	w.errs = append(w.errs, &FileError{Path: path, Revision: rev, Err: err})
	w.poisoned[path] = true
}

// seed creates one ledger per text file of the tip.
func (w *walk) seed(tip vcs.Commit) error {
	paths, err := w.acc.Files(w.ctx, tip.ID)
	if err != nil {
		return err
	}

	for _, path := range paths {
		lines, readErr := w.acc.ReadBlobLines(w.ctx, tip.ID, path)
		if readErr != nil {
			w.fail(path, tip.ID, readErr)

			continue
		}

		l := w.newLedger()
		l.lines = make([]pendingLine, len(lines))

		for i, text := range lines {
			l.lines[i] = pendingLine{terminal: pointAt(tip, path, i), text: text, alive: true}
		}

		w.byPath[path] = l
	}

	return nil
}

// step moves every ledger from newer to older coordinates. An empty older
// id means newer is the root commit.
func (w *walk) step(older, newer vcs.Commit) error {
	diffs, err := w.acc.Diff(w.ctx, older.ID, newer.ID)
	if err != nil {
		return err
	}

	tasks := w.detach(diffs)
	w.run(tasks, older, newer)
	w.attach(tasks, older)

	return nil
}

// detach binds each diff to its ledger and removes the newer paths from the
// map, so renames that swap or reuse paths cannot collide.
func (w *walk) detach(diffs []vcs.FileDiff) []*task {
	tasks := make([]*task, 0, len(diffs))
	poisoned := make(map[string]bool, len(w.poisoned))

	for p := range w.poisoned {
		poisoned[p] = true
	}

	for _, fd := range diffs {
		if fd.Type != vcs.Deleted && w.poisoned[fd.NewPath] {
			delete(poisoned, fd.NewPath)

			if fd.Type == vcs.Renamed || fd.Type == vcs.Modified {
				poisoned[fd.OldPath] = true
			}

			continue
		}

		t := &task{fd: fd}

		switch fd.Type {
		case vcs.Deleted:
			t.ledger = w.newLedger()
		default:
			t.ledger = w.byPath[fd.NewPath]
			delete(w.byPath, fd.NewPath)
		}

		if t.ledger == nil && fd.Binary && fd.Type != vcs.Added {
			t.ledger = w.newLedger()
			t.seed = true
		}

		// Other files untracked on the newer side stay untracked on the
		// older side too.
		if t.ledger == nil {
			continue
		}

		tasks = append(tasks, t)
	}

	w.poisoned = poisoned

	return tasks
}

// run applies the tasks, one goroutine per shard.
func (w *walk) run(tasks []*task, older, newer vcs.Commit) {
	shards := make([][]*task, w.workers)
	for _, t := range tasks {
		idx := w.shardOf(t.ledger)
		shards[idx] = append(shards[idx], t)
	}

	var wg sync.WaitGroup

	for i := range w.workers {
		if len(shards[i]) == 0 {
			continue
		}

		wg.Add(1)

		go func(idx int, tasks []*task) {
			defer wg.Done()

			for _, t := range tasks {
				records, err := w.apply(t, older, newer)
				if err != nil {
					// The ledger is abandoned with everything it claimed.
					t.err = err

					continue
				}

				w.records[idx] = append(w.records[idx], records...)
			}
		}(i, shards[i])
	}

	wg.Wait()
}

func (w *walk) apply(t *task, older, newer vcs.Commit) ([]LineRecord, *FileError) {
	fd := t.fd

	if fd.Binary {
		if t.seed {
			return nil, w.seedText(t, older, newer)
		}

		// Binary content is not tracked: whatever the newer side held
		// starts here, and the older side starts untracked.
		records := t.ledger.close(newer, fd.NewPath)
		t.ledger = nil

		return records, nil
	}

	var olderLines []string

	if needsOlderLines(fd) {
		lines, err := w.acc.ReadBlobLines(w.ctx, older.ID, fd.OldPath)
		if err != nil {
			return nil, &FileError{Path: fd.OldPath, Revision: older.ID, Err: err}
		}

		olderLines = lines
	}

	records, err := t.ledger.apply(fd, newer, olderLines)
	if err != nil {
		path := fd.NewPath
		if fd.Type == vcs.Deleted {
			path = fd.OldPath
		}

		return records, &FileError{Path: path, Revision: newer.ID, Err: err}
	}

	if fd.Type == vcs.Added && len(t.ledger.lines) > 0 {
		return records, &FileError{Path: fd.NewPath, Revision: newer.ID, Err: errLeftover}
	}

	return records, nil
}

// seedText fills the ledger of a file that became binary in newer with the
// older text lines, ended at newer. An older binary blob leaves the file
// untracked.
func (w *walk) seedText(t *task, older, newer vcs.Commit) *FileError {
	fd := t.fd

	lines, err := w.acc.ReadBlobLines(w.ctx, older.ID, fd.OldPath)
	if err != nil {
		return &FileError{Path: fd.OldPath, Revision: older.ID, Err: err}
	}

	if enry.IsBinary([]byte(strings.Join(lines, "\n"))) {
		t.ledger = nil

		return nil
	}

	t.ledger.lines = make([]pendingLine, len(lines))
	for k, text := range lines {
		t.ledger.lines[k] = pendingLine{terminal: pointAt(newer, fd.OldPath, k), text: text}
	}

	return nil
}

// attach re-keys surviving ledgers under their older paths and records
// failures.
func (w *walk) attach(tasks []*task, older vcs.Commit) {
	for _, t := range tasks {
		fd := t.fd

		if t.err != nil {
			w.errs = append(w.errs, t.err)

			if fd.Type != vcs.Added {
				w.poisoned[fd.OldPath] = true
			}

			continue
		}

		if t.ledger == nil || fd.Type == vcs.Added {
			continue
		}

		if _, taken := w.byPath[fd.OldPath]; taken {
			w.fail(fd.OldPath, older.ID, errPathConflict)
			delete(w.byPath, fd.OldPath)

			continue
		}

		w.byPath[fd.OldPath] = t.ledger
	}
}

// closeAll claims every pending line with origin at c. Continued marks
// records whose true origin lies before the window.
func (w *walk) closeAll(c vcs.Commit, continued bool) {
	for path, l := range w.byPath {
		records := l.close(c, path)
		for i := range records {
			records[i].Continued = continued
		}

		w.records[0] = append(w.records[0], records...)
		delete(w.byPath, path)
	}
}

func (w *walk) finish() ([]LineRecord, []*FileError) {
	total := 0
	for _, rs := range w.records {
		total += len(rs)
	}

	records := make([]LineRecord, 0, total)
	for _, rs := range w.records {
		records = append(records, rs...)
	}

	sortRecords(records)

	return records, w.errs
}
