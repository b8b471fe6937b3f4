// Package reconcile decides which commits of a local history are new with
// respect to a remote baseline.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrWalk is returned when the history cannot be walked.
var ErrWalk = errors.New("walk history")

// Commit is a native commit with its content hash.
type Commit struct {
	vcs.Commit

	Hash        string
	HashVersion int
}

// Window is the result of one reconciliation.
type Window struct {
	Tip string
	// Walked holds every visited commit, newest first.
	Walked []Commit
	// New holds the commits unknown to the baseline, oldest first.
	New []Commit
	// Emails holds the normalized author emails of every visited commit.
	Emails map[string]struct{}
	// Known counts visited commits the baseline already had.
	Known int
	// Stale is set when the baseline was hashed by another hasher version
	// and its commit list was ignored.
	Stale bool
	// ReachedTail reports whether the walk stopped at the tail commit.
	ReachedTail bool
}

// Hashes returns the content hashes of every visited commit, newest first.
func (w *Window) Hashes() []string {
	out := make([]string, len(w.Walked))
	for i, c := range w.Walked {
		out[i] = c.Hash
	}

	return out
}

// SortedEmails returns the visited author emails in lexical order.
func (w *Window) SortedEmails() []string {
	out := make([]string, 0, len(w.Emails))
	for e := range w.Emails {
		out = append(out, e)
	}

	sort.Strings(out)

	return out
}

// Reconciler computes the set difference between local history and a baseline.
type Reconciler struct {
	Accessor vcs.Accessor
	Hasher   identity.Hasher
	Logger   *slog.Logger
}

// Reconcile walks first parents from tip and classifies each visited commit.
// The walk includes tail and stops after it; an empty tail walks to the root.
// Membership, not position, decides newness: a commit missing from the
// baseline is new even if older commits are known, so a baseline that lost
// entries gets exactly those entries back.
func (r *Reconciler) Reconcile(ctx context.Context, tip, tail string, state *remote.State) (*Window, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hasher := r.Hasher
	if hasher == nil {
		hasher = identity.Default()
	}

	window := &Window{Tip: tip, Emails: make(map[string]struct{})}

	known := state.Known()

	if state != nil && len(state.Commits) > 0 && state.HashVersion != hasher.Version() {
		logger.Warn("baseline hashed with another hasher version, treating all commits as new",
			"baseline_version", state.HashVersion, "hasher_version", hasher.Version())

		known = nil
		window.Stale = true
	}

	err := r.Accessor.WalkParents(ctx, tip, func(c vcs.Commit) error {
		rc := Commit{Commit: c, Hash: hasher.CommitHash(c), HashVersion: hasher.Version()}
		window.Walked = append(window.Walked, rc)

		if email := identity.NormalizeEmail(c.AuthorEmail); email != "" {
			window.Emails[email] = struct{}{}
		}

		if _, ok := known[rc.Hash]; ok {
			window.Known++
		} else {
			window.New = append(window.New, rc)
		}

		if tail != "" && c.ID == tail {
			window.ReachedTail = true

			return vcs.ErrStopWalk
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %w", ErrWalk, tip, err)
	}

	slices.Reverse(window.New)

	logger.Debug("reconciled history",
		"tip", tip, "walked", len(window.Walked), "new", len(window.New), "known", window.Known)

	return window, nil
}

// Local describes whose commits a run is about.
type Local struct {
	UserEmail           string
	HashAllContributors bool
}

// FilterEmails returns the author emails whose commits are transmitted: all
// seen emails when every contributor is hashed, otherwise the user's email and
// the baseline's emails, restricted to those seen in the history.
func FilterEmails(seen map[string]struct{}, state *remote.State, local Local) map[string]struct{} {
	out := make(map[string]struct{})

	if local.HashAllContributors {
		for e := range seen {
			out[e] = struct{}{}
		}

		return out
	}

	wanted := []string{local.UserEmail}
	if state != nil {
		wanted = append(wanted, state.Emails...)
	}

	for _, e := range wanted {
		e = identity.NormalizeEmail(e)
		if _, ok := seen[e]; ok {
			out[e] = struct{}{}
		}
	}

	return out
}
