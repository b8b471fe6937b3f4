// Package remote defines the contract with the service that keeps the
// per-repository baseline and receives mined results.
package remote

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// State is the baseline the service keeps for one repository identity.
type State struct {
	Identity    string    `json:"identity"`
	RootHash    string    `json:"root_hash"`
	HashVersion int       `json:"hash_version"`
	UserEmail   string    `json:"user_email"`
	Emails      []string  `json:"emails,omitempty"`
	Commits     []string  `json:"commits,omitempty"`
	Tail        string    `json:"tail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Known returns the set of already processed commit hashes.
func (s *State) Known() map[string]struct{} {
	if s == nil {
		return nil
	}

	known := make(map[string]struct{}, len(s.Commits))
	for _, h := range s.Commits {
		known[h] = struct{}{}
	}

	return known
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}

	c := *s
	c.Emails = slices.Clone(s.Emails)
	c.Commits = slices.Clone(s.Commits)

	return &c
}

// Commit is a transmitted commit.
type Commit struct {
	Hash        string `json:"hash"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Time        int64  `json:"time"`
	Message     string `json:"message,omitempty"`
}

// Position anchors a line at a revision.
type Position struct {
	Commit string `json:"commit"`
	Path   string `json:"path"`
	Index  int    `json:"index"`
	Time   int64  `json:"time"`
	Author string `json:"author"`
}

// Line is a transmitted line provenance record.
type Line struct {
	Origin   Position `json:"origin"`
	Terminal Position `json:"terminal"`
	Alive    bool     `json:"alive"`
	Age      int64    `json:"age"`
	// Continued marks a line that existed before the transmitted window;
	// Origin is the window tail and is stitched with the stored record whose
	// Terminal matches it.
	Continued bool `json:"continued,omitempty"`
}

// Stat is one row of per-commit statistics.
type Stat struct {
	Language     string `json:"language"`
	Technology   string `json:"technology,omitempty"`
	LinesAdded   int    `json:"lines_added"`
	LinesDeleted int    `json:"lines_deleted"`
}

// CommitStats groups the statistics of one commit.
type CommitStats struct {
	Commit string `json:"commit"`
	Stats  []Stat `json:"stats"`
}

// Baseline fetches and persists repository state.
type Baseline interface {
	// FetchState returns nil, nil when the identity is unknown.
	FetchState(ctx context.Context, identity string) (*State, error)
	PostState(ctx context.Context, state *State) error
}

// Sink receives mined results.
type Sink interface {
	PostCommits(ctx context.Context, identity string, commits []Commit) error
	PostLines(ctx context.Context, identity string, lines []Line) error
	PostStats(ctx context.Context, identity string, stats []CommitStats) error
}

// Store is a Baseline and a Sink with a lifetime.
type Store interface {
	Baseline
	Sink
	Close() error
}
