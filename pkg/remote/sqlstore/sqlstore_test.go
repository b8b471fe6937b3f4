package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/remote/sqlstore"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestFetchUnknownState(t *testing.T) {
	t.Parallel()

	state, err := openStore(t).FetchState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	in := &remote.State{
		Identity:    "repo",
		RootHash:    "root",
		HashVersion: 1,
		UserEmail:   "a@x.io",
		Emails:      []string{"a@x.io", "b@x.io"},
		Commits:     []string{"h3", "h2", "h1"},
		Tail:        "tip",
		UpdatedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}

	require.NoError(t, store.PostState(ctx, in))

	out, err := store.FetchState(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// A second post replaces the commit list.
	in.Commits = []string{"h4"}
	require.NoError(t, store.PostState(ctx, in))

	out, err = store.FetchState(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"h4"}, out.Commits)
}

func TestPostResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.PostCommits(ctx, "repo", []remote.Commit{
		{Hash: "h1", AuthorEmail: "a@x.io", Time: 1},
		{Hash: "h2", AuthorEmail: "a@x.io", Time: 2},
	}))
	require.NoError(t, store.PostLines(ctx, "repo", []remote.Line{
		{Origin: remote.Position{Commit: "h1", Path: "a.go"}, Terminal: remote.Position{Commit: "h2", Path: "a.go"}, Age: 1},
	}))
	require.NoError(t, store.PostStats(ctx, "repo", []remote.CommitStats{
		{Commit: "h1", Stats: []remote.Stat{{Language: "Go", LinesAdded: 3}, {Language: "Go", Technology: "fmt"}}},
	}))

	n, err := store.CountCommits(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountLines(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountStats(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lineage.db")

	first, err := sqlstore.Open(path)
	require.NoError(t, err)
	require.NoError(t, first.PostState(context.Background(), &remote.State{Identity: "repo"}))
	require.NoError(t, first.Close())

	second, err := sqlstore.Open(path)
	require.NoError(t, err)

	defer second.Close()

	state, err := second.FetchState(context.Background(), "repo")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "repo", state.Identity)
}
