package reconcile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/reconcile"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs/vcstest"
)

type history struct {
	repo *vcstest.Repo
	ids  []string // oldest first
}

func linearHistory(n int, emails ...string) history {
	repo := vcstest.New()
	h := history{repo: repo}

	for i := range n {
		email := emails[i%len(emails)]
		h.ids = append(h.ids, repo.Commit(email, int64(100*(i+1)), vcstest.Write("f.txt", vcstest.Lines("v", string(rune('a'+i))))))
	}

	return h
}

func hashOf(id string) string {
	return identity.V1{}.CommitHash(vcs.Commit{ID: id})
}

func newReconciler(h history) *reconcile.Reconciler {
	return &reconcile.Reconciler{Accessor: h.repo, Hasher: identity.V1{}}
}

func ids(commits []reconcile.Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.ID
	}

	return out
}

func TestReconcileFirstRun(t *testing.T) {
	t.Parallel()

	h := linearHistory(3, "a@x.io")

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[2], "", nil)
	require.NoError(t, err)

	assert.Equal(t, h.ids, ids(w.New), "new commits are oldest first")
	assert.Len(t, w.Walked, 3)
	assert.Equal(t, h.ids[2], w.Walked[0].ID, "walked is newest first")
	assert.Equal(t, 0, w.Known)
	assert.Equal(t, []string{"a@x.io"}, w.SortedEmails())
	assert.Equal(t, hashOf(h.ids[0]), w.New[0].Hash)
	assert.Equal(t, 1, w.New[0].HashVersion)
}

func TestReconcileIncremental(t *testing.T) {
	t.Parallel()

	h := linearHistory(4, "a@x.io")
	state := &remote.State{HashVersion: 1, Commits: []string{hashOf(h.ids[1]), hashOf(h.ids[0])}}

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[3], "", state)
	require.NoError(t, err)

	assert.Equal(t, []string{h.ids[2], h.ids[3]}, ids(w.New))
	assert.Equal(t, 2, w.Known)
}

func TestReconcileLostEntriesAreSetDifference(t *testing.T) {
	t.Parallel()

	h := linearHistory(4, "a@x.io")
	// The baseline lost commit 1 but still knows the newer commit 2.
	state := &remote.State{HashVersion: 1, Commits: []string{hashOf(h.ids[3]), hashOf(h.ids[2]), hashOf(h.ids[0])}}

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[3], "", state)
	require.NoError(t, err)

	assert.Equal(t, []string{h.ids[1]}, ids(w.New))
}

func TestReconcileNothingNew(t *testing.T) {
	t.Parallel()

	h := linearHistory(2, "a@x.io")
	state := &remote.State{HashVersion: 1, Commits: []string{hashOf(h.ids[1]), hashOf(h.ids[0])}}

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[1], "", state)
	require.NoError(t, err)
	assert.Empty(t, w.New)
	assert.Equal(t, 2, w.Known)
}

func TestReconcileStopsAtTail(t *testing.T) {
	t.Parallel()

	h := linearHistory(5, "a@x.io")

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[4], h.ids[2], nil)
	require.NoError(t, err)

	assert.True(t, w.ReachedTail)
	assert.Equal(t, []string{h.ids[4], h.ids[3], h.ids[2]}, ids(w.Walked))
}

func TestReconcileIgnoresStaleHashVersion(t *testing.T) {
	t.Parallel()

	h := linearHistory(2, "a@x.io")
	state := &remote.State{HashVersion: 99, Commits: []string{hashOf(h.ids[1]), hashOf(h.ids[0])}}

	w, err := newReconciler(h).Reconcile(context.Background(), h.ids[1], "", state)
	require.NoError(t, err)
	assert.True(t, w.Stale)
	assert.Len(t, w.New, 2)
}

func TestReconcileWalkFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := linearHistory(3, "a@x.io")
	h.repo.FailWalk(h.ids[1])

	_, err := newReconciler(h).Reconcile(context.Background(), h.ids[2], "", nil)
	require.ErrorIs(t, err, reconcile.ErrWalk)
	require.ErrorIs(t, err, vcstest.ErrInjected)
}

func TestFilterEmails(t *testing.T) {
	t.Parallel()

	seen := map[string]struct{}{"a@x.io": {}, "b@x.io": {}, "c@x.io": {}}

	all := reconcile.FilterEmails(seen, nil, reconcile.Local{UserEmail: "a@x.io", HashAllContributors: true})
	assert.Len(t, all, 3)

	mine := reconcile.FilterEmails(seen, nil, reconcile.Local{UserEmail: "A@x.io"})
	assert.Equal(t, map[string]struct{}{"a@x.io": {}}, mine)

	state := &remote.State{Emails: []string{"b@x.io", "z@x.io"}}
	withServer := reconcile.FilterEmails(seen, state, reconcile.Local{UserEmail: "a@x.io"})
	assert.Equal(t, map[string]struct{}{"a@x.io": {}, "b@x.io": {}}, withServer)

	none := reconcile.FilterEmails(seen, nil, reconcile.Local{UserEmail: "nobody@x.io"})
	assert.Empty(t, none)
}
