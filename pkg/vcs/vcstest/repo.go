// Package vcstest provides a scripted in-memory history implementing
// vcs.Accessor, with explicit renames and fault injection.
package vcstest

import (
	"context"
	"crypto/sha1" //nolint:gosec // ids only need to look like git ids.
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrInjected is the error produced by injected faults.
var ErrInjected = errors.New("injected fault")

type snapshot struct {
	commit  vcs.Commit
	files   map[string]string
	renames map[string]string // new path -> old path, relative to the first parent.
}

// Repo is an in-memory linear-or-branching history.
type Repo struct {
	mu        sync.Mutex
	snapshots map[string]*snapshot
	head      string
	seq       int
	userName  string
	userEmail string

	blobFaults map[string]bool
	walkFaults map[string]bool
	closed     bool
}

// New returns an empty repository.
func New() *Repo {
	return &Repo{
		snapshots:  make(map[string]*snapshot),
		blobFaults: make(map[string]bool),
		walkFaults: make(map[string]bool),
	}
}

// Op mutates the working tree of the commit being built.
type Op func(files, renames map[string]string)

// Write sets path to content.
func Write(path, content string) Op {
	return func(files, _ map[string]string) {
		files[path] = content
	}
}

// Remove deletes path.
func Remove(path string) Op {
	return func(files, _ map[string]string) {
		delete(files, path)
	}
}

// Move renames from to to, keeping its content.
func Move(from, to string) Op {
	return func(files, renames map[string]string) {
		files[to] = files[from]
		delete(files, from)
		renames[to] = from
	}
}

// Lines joins lines into file content with a trailing newline.
func Lines(lines ...string) string {
	if len(lines) == 0 {
		return ""
	}

	return strings.Join(lines, "\n") + "\n"
}

// SetUser sets the identity reported by AuthorIdentity.
func (r *Repo) SetUser(name, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userName, r.userEmail = name, email
}

// Commit records a commit on top of the current head and moves head to it.
func (r *Repo) Commit(email string, when int64, ops ...Op) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parents []string
	if r.head != "" {
		parents = []string{r.head}
	}

	return r.commitLocked(parents, email, when, ops)
}

// Merge records a commit with two parents; the tree starts from the first.
func (r *Repo) Merge(other, email string, when int64, ops ...Op) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.commitLocked([]string{r.head, other}, email, when, ops)
}

// Checkout moves head to id, so following commits branch from there.
func (r *Repo) Checkout(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = id
}

// Head returns the current head id.
func (r *Repo) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.head
}

// FailBlob makes ReadBlobLines fail for path at rev.
func (r *Repo) FailBlob(rev, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blobFaults[rev+":"+path] = true
}

// FailWalk makes WalkParents fail when it reaches id.
func (r *Repo) FailWalk(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.walkFaults[id] = true
}

// Closed reports whether Close was called.
func (r *Repo) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *Repo) commitLocked(parents []string, email string, when int64, ops []Op) string {
	files := make(map[string]string)

	if len(parents) > 0 {
		for p, c := range r.snapshots[parents[0]].files {
			files[p] = c
		}
	}

	renames := make(map[string]string)

	for _, op := range ops {
		op(files, renames)
	}

	r.seq++

	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%s:%d", r.seq, email, when))) //nolint:gosec // see import.
	id := hex.EncodeToString(sum[:])

	r.snapshots[id] = &snapshot{
		commit: vcs.Commit{
			ID:          id,
			Parents:     parents,
			AuthorName:  strings.SplitN(email, "@", 2)[0],
			AuthorEmail: email,
			Time:        when,
			Message:     fmt.Sprintf("commit %d", r.seq),
		},
		files:   files,
		renames: renames,
	}
	r.head = id

	return id
}

// ResolveTip implements vcs.Accessor.
func (r *Repo) ResolveTip(_ context.Context) (vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snapshots[r.head]
	if !ok {
		return vcs.Commit{}, fmt.Errorf("resolve tip: %w", vcs.ErrNotFound)
	}

	return s.commit, nil
}

// WalkParents implements vcs.Accessor.
func (r *Repo) WalkParents(ctx context.Context, from string, fn func(vcs.Commit) error) error {
	for id := from; id != ""; {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		s, ok := r.snapshots[id]
		fault := r.walkFaults[id]
		r.mu.Unlock()

		if fault {
			return fmt.Errorf("read commit %s: %w", id, ErrInjected)
		}

		if !ok {
			return fmt.Errorf("read commit %s: %w", id, vcs.ErrNotFound)
		}

		err := fn(s.commit)
		if errors.Is(err, vcs.ErrStopWalk) {
			return nil
		}

		if err != nil {
			return err
		}

		id = s.commit.FirstParent()
	}

	return nil
}

// Diff implements vcs.Accessor. Renames are reported when older is the
// first parent of newer.
func (r *Repo) Diff(_ context.Context, older, newer string) ([]vcs.FileDiff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	to, ok := r.snapshots[newer]
	if !ok {
		return nil, fmt.Errorf("diff %s: %w", newer, vcs.ErrNotFound)
	}

	fromFiles := map[string]string{}

	if older != "" {
		from, found := r.snapshots[older]
		if !found {
			return nil, fmt.Errorf("diff %s: %w", older, vcs.ErrNotFound)
		}

		fromFiles = from.files
	}

	renamedFrom := make(map[string]string)

	if to.commit.FirstParent() == older && older != "" {
		for newPath, oldPath := range to.renames {
			if _, inOld := fromFiles[oldPath]; !inOld {
				continue
			}

			if _, inNew := to.files[newPath]; !inNew {
				continue
			}

			renamedFrom[oldPath] = newPath
		}
	}

	var diffs []vcs.FileDiff

	for oldPath, newPath := range renamedFrom {
		diffs = append(diffs, fileDiff(vcs.Renamed, oldPath, newPath, fromFiles[oldPath], to.files[newPath]))
	}

	renamedTo := make(map[string]bool, len(renamedFrom))
	for _, newPath := range renamedFrom {
		renamedTo[newPath] = true
	}

	for path, content := range to.files {
		if renamedTo[path] {
			continue
		}

		prev, existed := fromFiles[path]

		switch {
		case !existed || renamedFrom[path] != "":
			diffs = append(diffs, fileDiff(vcs.Added, "", path, "", content))
		case prev != content:
			diffs = append(diffs, fileDiff(vcs.Modified, path, path, prev, content))
		}
	}

	for path, content := range fromFiles {
		if _, exists := to.files[path]; exists && renamedFrom[path] == "" {
			continue
		}

		if renamedFrom[path] != "" {
			continue
		}

		diffs = append(diffs, fileDiff(vcs.Deleted, path, "", content, ""))
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Path() < diffs[j].Path()
	})

	return diffs, nil
}

func fileDiff(kind vcs.ChangeType, oldPath, newPath, oldContent, newContent string) vcs.FileDiff {
	d := vcs.FileDiff{Type: kind, OldPath: oldPath, NewPath: newPath}

	if isBinary(oldContent) || isBinary(newContent) {
		d.Binary = true

		return d
	}

	d.Edits = vcs.LineEdits(vcs.SplitLines(oldContent), vcs.SplitLines(newContent))

	return d
}

func isBinary(content string) bool {
	return strings.IndexByte(content, 0) >= 0
}

// ReadBlobLines implements vcs.Accessor.
func (r *Repo) ReadBlobLines(_ context.Context, rev, path string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blobFaults[rev+":"+path] {
		return nil, fmt.Errorf("read %s at %s: %w", path, rev, ErrInjected)
	}

	s, ok := r.snapshots[rev]
	if !ok {
		return nil, fmt.Errorf("read %s at %s: %w", path, rev, vcs.ErrNotFound)
	}

	content, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s at %s: %w", path, rev, vcs.ErrNotFound)
	}

	return vcs.SplitLines(content), nil
}

// Files implements vcs.Accessor.
func (r *Repo) Files(_ context.Context, rev string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snapshots[rev]
	if !ok {
		return nil, fmt.Errorf("files at %s: %w", rev, vcs.ErrNotFound)
	}

	paths := make([]string, 0, len(s.files))

	for p, c := range s.files {
		if !isBinary(c) {
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	return paths, nil
}

// AuthorIdentity implements vcs.Accessor.
func (r *Repo) AuthorIdentity() (name, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.userName, r.userEmail
}

// Close implements vcs.Accessor.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

var _ vcs.Accessor = (*Repo)(nil)
