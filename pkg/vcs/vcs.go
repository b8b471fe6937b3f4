// Package vcs defines the repository access contract shared by the history
// engines: commits, first-parent walks, rename-aware file diffs and blob reads.
package vcs

import (
	"context"
	"errors"
)

// ErrStopWalk may be returned by a WalkParents callback to end the walk early.
// Accessors swallow it and return nil.
var ErrStopWalk = errors.New("stop walk")

// ErrNotFound is returned when a revision or path does not exist.
var ErrNotFound = errors.New("not found")

// Commit is the native view of a commit.
type Commit struct {
	ID          string
	Parents     []string
	AuthorName  string
	AuthorEmail string
	// Time is the commit time in seconds since the Unix epoch.
	Time    int64
	Message string
}

// FirstParent returns the first parent id, or "" for a root commit.
func (c Commit) FirstParent() string {
	if len(c.Parents) == 0 {
		return ""
	}

	return c.Parents[0]
}

// IsRoot reports whether the commit has no parents.
func (c Commit) IsRoot() bool {
	return len(c.Parents) == 0
}

// ChangeType classifies a file-level change between two revisions.
type ChangeType int

const (
	// Added means the file exists only in the newer revision.
	Added ChangeType = iota
	// Deleted means the file exists only in the older revision.
	Deleted
	// Modified means the file exists at the same path in both revisions.
	Modified
	// Renamed means the file moved from OldPath to NewPath, possibly with edits.
	Renamed
)

// String implements fmt.Stringer.
func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Edit is one line range replacement. A is the older side, B the newer one.
// Ranges are 0-based and half-open. A pure insertion has BeginA == EndA,
// a pure deletion has BeginB == EndB.
type Edit struct {
	BeginA int
	EndA   int
	BeginB int
	EndB   int
}

// LenA returns the number of older lines the edit replaces.
func (e Edit) LenA() int { return e.EndA - e.BeginA }

// LenB returns the number of newer lines the edit introduces.
func (e Edit) LenB() int { return e.EndB - e.BeginB }

// FileDiff describes how one file changed between an older and a newer revision.
// Edits are sorted ascending and never overlap.
type FileDiff struct {
	Type    ChangeType
	OldPath string
	NewPath string
	Edits   []Edit
	Binary  bool
}

// Path returns the path the file has in the newer revision, or the older
// path for deletions.
func (d FileDiff) Path() string {
	if d.Type == Deleted {
		return d.OldPath
	}

	return d.NewPath
}

// Accessor is the read-only view of a repository the engines run on.
// Implementations need not be safe for concurrent use unless documented.
type Accessor interface {
	// ResolveTip returns the tip commit of the primary branch.
	ResolveTip(ctx context.Context) (Commit, error)
	// WalkParents calls fn for from and each of its first-parent ancestors,
	// newest first, until history ends or fn returns an error.
	WalkParents(ctx context.Context, from string, fn func(Commit) error) error
	// Diff returns the file changes from older to newer. An empty older
	// means the empty tree.
	Diff(ctx context.Context, older, newer string) ([]FileDiff, error)
	// ReadBlobLines returns the lines of path at rev.
	ReadBlobLines(ctx context.Context, rev, path string) ([]string, error)
	// Files lists the non-binary file paths of rev.
	Files(ctx context.Context, rev string) ([]string, error)
	// AuthorIdentity returns the configured user name and email, if any.
	AuthorIdentity() (name, email string)
	// Close releases the repository.
	Close() error
}
