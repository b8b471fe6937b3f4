// Package memstore is an in-memory remote.Store used for dry runs and tests.
package memstore

import (
	"context"
	"sync"

	"github.com/Sumatoshi-tech/lineage/pkg/remote"
)

// Store keeps everything in maps guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	states  map[string]*remote.State
	commits map[string][]remote.Commit
	lines   map[string][]remote.Line
	stats   map[string][]remote.CommitStats
	closed  bool

	// Injected failures, returned by the matching Post call when set.
	CommitsErr error
	LinesErr   error
	StatsErr   error
	StateErr   error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		states:  make(map[string]*remote.State),
		commits: make(map[string][]remote.Commit),
		lines:   make(map[string][]remote.Line),
		stats:   make(map[string][]remote.CommitStats),
	}
}

// FetchState implements remote.Baseline.
func (s *Store) FetchState(_ context.Context, identity string) (*remote.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}

	return s.states[identity].Clone(), nil
}

// PostState implements remote.Baseline.
func (s *Store) PostState(_ context.Context, state *remote.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return remote.ErrClosed
	}

	if s.StateErr != nil {
		return s.StateErr
	}

	s.states[state.Identity] = state.Clone()

	return nil
}

// PostCommits implements remote.Sink.
func (s *Store) PostCommits(_ context.Context, identity string, commits []remote.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CommitsErr != nil {
		return s.CommitsErr
	}

	s.commits[identity] = append(s.commits[identity], commits...)

	return nil
}

// PostLines implements remote.Sink.
func (s *Store) PostLines(_ context.Context, identity string, lines []remote.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.LinesErr != nil {
		return s.LinesErr
	}

	s.lines[identity] = append(s.lines[identity], lines...)

	return nil
}

// PostStats implements remote.Sink.
func (s *Store) PostStats(_ context.Context, identity string, stats []remote.CommitStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StatsErr != nil {
		return s.StatsErr
	}

	s.stats[identity] = append(s.stats[identity], stats...)

	return nil
}

// Close implements remote.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// SetState replaces the stored state, e.g. to simulate a server that lost data.
func (s *Store) SetState(state *remote.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Identity] = state.Clone()
}

// Commits returns every commit posted for identity.
func (s *Store) Commits(identity string) []remote.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]remote.Commit(nil), s.commits[identity]...)
}

// Lines returns every line record posted for identity.
func (s *Store) Lines(identity string) []remote.Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]remote.Line(nil), s.lines[identity]...)
}

// Stats returns every stats record posted for identity.
func (s *Store) Stats(identity string) []remote.CommitStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]remote.CommitStats(nil), s.stats[identity]...)
}

// Reset forgets every posted result but keeps states.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits = make(map[string][]remote.Commit)
	s.lines = make(map[string][]remote.Line)
	s.stats = make(map[string][]remote.CommitStats)
}

var _ remote.Store = (*Store)(nil)
