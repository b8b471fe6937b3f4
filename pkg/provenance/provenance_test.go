package provenance_test

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/provenance"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs/vcstest"
)

func run(t *testing.T, repo *vcstest.Repo, tip, tail string) *provenance.Result {
	t.Helper()

	tracker := &provenance.Tracker{Accessor: repo, Workers: 3}

	res, err := tracker.Run(context.Background(), tip, tail)
	require.NoError(t, err)

	return res
}

// find returns the record whose text matches.
func find(t *testing.T, res *provenance.Result, text string) provenance.LineRecord {
	t.Helper()

	for _, r := range res.Records {
		if r.Text == text {
			return r
		}
	}

	require.Failf(t, "record not found", "text %q", text)

	return provenance.LineRecord{}
}

func TestRunTracksEditsAndDeletions(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("f", vcstest.Lines("a", "b", "c")))
	c2 := repo.Commit("b@x.io", 200, vcstest.Write("f", vcstest.Lines("a", "B", "c", "d")))
	c3 := repo.Commit("c@x.io", 300, vcstest.Write("f", vcstest.Lines("B", "c", "d")))

	res := run(t, repo, c3, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 5)
	assert.Equal(t, 3, res.Steps)

	a := find(t, res, "a")
	assert.Equal(t, provenance.Point{Revision: c1, Path: "f", Index: 0, Time: 100, AuthorEmail: "a@x.io"}, a.Origin)
	assert.Equal(t, provenance.Point{Revision: c3, Path: "f", Index: 0, Time: 300, AuthorEmail: "c@x.io"}, a.Terminal)
	assert.False(t, a.Alive)
	assert.Equal(t, int64(200), a.Age())

	b := find(t, res, "b")
	assert.Equal(t, c1, b.Origin.Revision)
	assert.Equal(t, c2, b.Terminal.Revision)
	assert.Equal(t, 1, b.Terminal.Index)
	assert.False(t, b.Alive)

	c := find(t, res, "c")
	assert.Equal(t, c1, c.Origin.Revision)
	assert.Equal(t, 2, c.Origin.Index)
	assert.Equal(t, c3, c.Terminal.Revision)
	assert.Equal(t, 1, c.Terminal.Index)
	assert.True(t, c.Alive)

	bigB := find(t, res, "B")
	assert.Equal(t, c2, bigB.Origin.Revision)
	assert.Equal(t, 1, bigB.Origin.Index)
	assert.True(t, bigB.Alive)

	d := find(t, res, "d")
	assert.Equal(t, c2, d.Origin.Revision)
	assert.Equal(t, 3, d.Origin.Index)
	assert.Equal(t, 2, d.Terminal.Index)

	// Sorted by origin time, then path and index.
	var texts []string
	for _, r := range res.Records {
		texts = append(texts, r.Text)
	}

	assert.Equal(t, []string{"a", "b", "c", "B", "d"}, texts)
}

func TestRunTracksDeletedFiles(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("g", vcstest.Lines("p", "q")), vcstest.Write("f", "keep\n"))
	c2 := repo.Commit("a@x.io", 200, vcstest.Remove("g"))
	c3 := repo.Commit("a@x.io", 300, vcstest.Write("f", vcstest.Lines("keep", "more")))

	res := run(t, repo, c3, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 4)

	for _, text := range []string{"p", "q"} {
		r := find(t, res, text)
		assert.Equal(t, c1, r.Origin.Revision)
		assert.Equal(t, "g", r.Origin.Path)
		assert.Equal(t, c2, r.Terminal.Revision)
		assert.Equal(t, "g", r.Terminal.Path)
		assert.False(t, r.Alive)
	}

	assert.Equal(t, 1, find(t, res, "q").Terminal.Index)
}

func TestRunFollowsRenames(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("a.go", vcstest.Lines("x", "y")))
	c2 := repo.Commit("a@x.io", 200, vcstest.Move("a.go", "b.go"), vcstest.Write("b.go", vcstest.Lines("x", "y", "z")))

	res := run(t, repo, c2, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 3)

	x := find(t, res, "x")
	assert.Equal(t, provenance.Point{Revision: c1, Path: "a.go", Index: 0, Time: 100, AuthorEmail: "a@x.io"}, x.Origin)
	assert.Equal(t, "b.go", x.Terminal.Path)
	assert.True(t, x.Alive)

	z := find(t, res, "z")
	assert.Equal(t, c2, z.Origin.Revision)
	assert.Equal(t, "b.go", z.Origin.Path)
	assert.Equal(t, 2, z.Origin.Index)
}

func TestRunRenameWithEditsInSameStep(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("a.go", vcstest.Lines("x", "y", "w")))
	c2 := repo.Commit("b@x.io", 200, vcstest.Move("a.go", "b.go"), vcstest.Write("b.go", vcstest.Lines("x", "z", "w")))

	res := run(t, repo, c2, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 4)

	y := find(t, res, "y")
	assert.Equal(t, c1, y.Origin.Revision)
	assert.Equal(t, "a.go", y.Origin.Path)
	assert.Equal(t, provenance.Point{Revision: c2, Path: "a.go", Index: 1, Time: 200, AuthorEmail: "b@x.io"}, y.Terminal)
	assert.False(t, y.Alive)

	z := find(t, res, "z")
	assert.Equal(t, provenance.Point{Revision: c2, Path: "b.go", Index: 1, Time: 200, AuthorEmail: "b@x.io"}, z.Origin)

	w := find(t, res, "w")
	assert.Equal(t, "a.go", w.Origin.Path)
	assert.Equal(t, 2, w.Origin.Index)
	assert.Equal(t, "b.go", w.Terminal.Path)
}

func TestRunSwappedPaths(t *testing.T) {
	t.Parallel()

	swap := vcstest.Op(func(files, renames map[string]string) {
		files["a"], files["b"] = files["b"], files["a"]
		renames["a"] = "b"
		renames["b"] = "a"
	})

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("a", "from a\n"), vcstest.Write("b", "from b\n"))
	c2 := repo.Commit("a@x.io", 200, swap)

	res := run(t, repo, c2, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 2)

	fromA := find(t, res, "from a")
	assert.Equal(t, c1, fromA.Origin.Revision)
	assert.Equal(t, "a", fromA.Origin.Path)
	assert.Equal(t, "b", fromA.Terminal.Path)
}

func TestRunStopsAtTail(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("a@x.io", 100, vcstest.Write("f", vcstest.Lines("old")))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("f", vcstest.Lines("old", "mid")))
	c3 := repo.Commit("a@x.io", 300, vcstest.Write("f", vcstest.Lines("old", "mid", "new")))

	res := run(t, repo, c3, c2)
	require.Empty(t, res.Errors)
	assert.Equal(t, c2, res.Tail)
	assert.Equal(t, 1, res.Steps)
	require.Len(t, res.Records, 3)

	old := find(t, res, "old")
	assert.Equal(t, provenance.Point{Revision: c2, Path: "f", Index: 0, Time: 200, AuthorEmail: "a@x.io"}, old.Origin)
	assert.True(t, old.Continued)
	assert.False(t, find(t, res, "new").Continued)
	assert.Equal(t, c2, find(t, res, "mid").Origin.Revision)
	assert.Equal(t, c3, find(t, res, "new").Origin.Revision)
}

func TestRunUnknownTailWalksToRoot(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("f", "x\n"))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("f", "x\ny\n"))

	res := run(t, repo, c2, "not-an-ancestor")
	assert.Empty(t, res.Tail)
	assert.Equal(t, c1, find(t, res, "x").Origin.Revision)
}

func TestRunIsolatesFileFailures(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("bad", vcstest.Lines("1", "2")), vcstest.Write("good", vcstest.Lines("g")))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("bad", vcstest.Lines("1")), vcstest.Write("good", vcstest.Lines("g", "h")))

	// Replaying the deletion in bad needs its older blob.
	repo.FailBlob(c1, "bad")

	res := run(t, repo, c2, "")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bad", res.Errors[0].Path)
	require.ErrorIs(t, res.Errors[0], vcstest.ErrInjected)

	for _, r := range res.Records {
		assert.NotEqual(t, "bad", r.Origin.Path)
	}

	assert.Equal(t, c1, find(t, res, "g").Origin.Revision)
	assert.Equal(t, c2, find(t, res, "h").Origin.Revision)
}

func TestRunSkipsBinaryFiles(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("a@x.io", 100, vcstest.Write("img", "\x00\x01"), vcstest.Write("f", "x\n"))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("img", "\x00\x02"))

	res := run(t, repo, c2, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "x", res.Records[0].Text)
}

func TestRunEndsTextLinesWhenFileTurnsBinary(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("f", "x\ny\n"), vcstest.Write("k", "keep\n"))
	c2 := repo.Commit("b@x.io", 200, vcstest.Write("f", "\x00bin"))

	res := run(t, repo, c2, "")
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 3)

	for i, text := range []string{"x", "y"} {
		r := find(t, res, text)
		assert.False(t, r.Alive)
		assert.Equal(t, provenance.Point{Revision: c1, Path: "f", Index: i, Time: 100, AuthorEmail: "a@x.io"}, r.Origin)
		assert.Equal(t, provenance.Point{Revision: c2, Path: "f", Index: i, Time: 200, AuthorEmail: "b@x.io"}, r.Terminal)
	}

	keep := find(t, res, "keep")
	assert.True(t, keep.Alive)
	assert.Equal(t, c1, keep.Origin.Revision)
}

func TestRunCountsNegativeAges(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("a@x.io", 500, vcstest.Write("f", vcstest.Lines("x", "y")))
	c2 := repo.Commit("a@x.io", 100, vcstest.Write("f", vcstest.Lines("x")))

	res := run(t, repo, c2, "")
	assert.Equal(t, 2, res.NegativeAges)
	assert.Equal(t, int64(-400), find(t, res, "y").Age())
}

// randomHistory builds a reproducible history of adds, edits, deletes and
// renames.
func randomHistory(seed int64, steps int) (*vcstest.Repo, []string) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test data.
	repo := vcstest.New()
	files := map[string][]string{}
	counter := 0
	nextLine := func() string {
		counter++

		return fmt.Sprintf("line-%d", counter)
	}

	var ids []string

	for step := range steps {
		var ops []vcstest.Op

		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}

		sort.Strings(names)

		switch action := rng.Intn(5); {
		case len(names) == 0 || action == 0:
			name := fmt.Sprintf("file-%d.txt", step)
			lines := []string{nextLine(), nextLine(), nextLine()}
			files[name] = lines
			ops = append(ops, vcstest.Write(name, vcstest.Lines(lines...)))
		case action == 1 && len(names) > 1:
			name := names[rng.Intn(len(names))]
			delete(files, name)
			ops = append(ops, vcstest.Remove(name))
		case action == 2:
			from := names[rng.Intn(len(names))]
			to := fmt.Sprintf("moved-%d.txt", step)
			files[to] = files[from]
			delete(files, from)
			ops = append(ops, vcstest.Move(from, to))

			if rng.Intn(2) == 0 {
				files[to] = append(append([]string{}, files[to]...), nextLine())
				ops = append(ops, vcstest.Write(to, vcstest.Lines(files[to]...)))
			}
		default:
			name := names[rng.Intn(len(names))]
			lines := append([]string{}, files[name]...)

			if len(lines) > 0 {
				at := rng.Intn(len(lines))
				lines = append(lines[:at], lines[at+1:]...)
			}

			at := rng.Intn(len(lines) + 1)
			lines = append(lines[:at], append([]string{nextLine()}, lines[at:]...)...)
			files[name] = lines
			ops = append(ops, vcstest.Write(name, vcstest.Lines(lines...)))
		}

		ids = append(ids, repo.Commit("dev@x.io", int64(1000+step*10), ops...))
	}

	return repo, ids
}

// insertedLines counts lines introduced by every commit up to tip.
func insertedLines(t *testing.T, repo *vcstest.Repo, ids []string) int {
	t.Helper()

	total := 0
	older := ""

	for _, id := range ids {
		diffs, err := repo.Diff(context.Background(), older, id)
		require.NoError(t, err)

		for _, d := range diffs {
			for _, e := range d.Edits {
				total += e.LenB()
			}
		}

		older = id
	}

	return total
}

func TestRunConservesLines(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 5; seed++ {
		repo, ids := randomHistory(seed, 40)
		tip := ids[len(ids)-1]

		res := run(t, repo, tip, "")
		require.Empty(t, res.Errors, "seed %d", seed)
		assert.Len(t, res.Records, insertedLines(t, repo, ids), "seed %d", seed)

		tipLines := 0
		files, err := repo.Files(context.Background(), tip)
		require.NoError(t, err)

		for _, f := range files {
			lines, readErr := repo.ReadBlobLines(context.Background(), tip, f)
			require.NoError(t, readErr)

			tipLines += len(lines)
		}

		alive := 0

		for _, r := range res.Records {
			assert.GreaterOrEqual(t, r.Age(), int64(0), "seed %d", seed)

			if r.Alive {
				alive++

				assert.Equal(t, tip, r.Terminal.Revision)
			}
		}

		assert.Equal(t, tipLines, alive, "seed %d", seed)
	}
}

func TestRunIsIndependentOfWorkerCount(t *testing.T) {
	t.Parallel()

	repo, ids := randomHistory(42, 30)
	tip := ids[len(ids)-1]

	one, err := (&provenance.Tracker{Accessor: repo, Workers: 1}).Run(context.Background(), tip, "")
	require.NoError(t, err)

	many, err := (&provenance.Tracker{Accessor: repo, Workers: 8}).Run(context.Background(), tip, "")
	require.NoError(t, err)

	assert.Equal(t, one.Records, many.Records)
}

// TestRunWindowsStitch checks that a bounded run plus a run up to its tail
// reproduce a single full run.
func TestRunWindowsStitch(t *testing.T) {
	t.Parallel()

	repo, ids := randomHistory(7, 30)
	tip := ids[len(ids)-1]
	tail := ids[14]

	full := run(t, repo, tip, "")
	window := run(t, repo, tip, tail)
	before := run(t, repo, tail, "")

	type key struct {
		rev, path string
		index     int
	}

	// Lines alive at tail, keyed by their position there.
	aliveAtTail := map[key]provenance.LineRecord{}

	var stitched []provenance.LineRecord

	for _, r := range before.Records {
		if r.Alive {
			aliveAtTail[key{r.Terminal.Revision, r.Terminal.Path, r.Terminal.Index}] = r

			continue
		}

		stitched = append(stitched, r)
	}

	for _, r := range window.Records {
		if r.Origin.Revision == tail {
			prev, ok := aliveAtTail[key{r.Origin.Revision, r.Origin.Path, r.Origin.Index}]
			require.True(t, ok, "no line at %s:%d in tail", r.Origin.Path, r.Origin.Index)

			r.Origin = prev.Origin
		}

		stitched = append(stitched, r)
	}

	type span struct {
		origin, terminal provenance.Point
		text             string
	}

	toSet := func(records []provenance.LineRecord) map[span]int {
		out := map[span]int{}
		for _, r := range records {
			out[span{r.Origin, r.Terminal, r.Text}]++
		}

		return out
	}

	assert.Equal(t, toSet(full.Records), toSet(stitched))
}

func TestRunUnknownTip(t *testing.T) {
	t.Parallel()

	_, err := (&provenance.Tracker{Accessor: vcstest.New()}).Run(context.Background(), "missing", "")
	require.ErrorIs(t, err, vcs.ErrNotFound)
}

func TestRunFiltersByOriginEmail(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("Me@X.io", 100, vcstest.Write("f", vcstest.Lines("mine")))
	c2 := repo.Commit("other@x.io", 200, vcstest.Write("f", vcstest.Lines("mine", "theirs")))

	tracker := &provenance.Tracker{
		Accessor:    repo,
		EmailFilter: map[string]struct{}{"me@x.io": {}},
	}

	res, err := tracker.Run(context.Background(), c2, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "mine", res.Records[0].Text)
}

func TestRunFiltersContinuedRecordsByTailAuthor(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("other@x.io", 100, vcstest.Write("f", vcstest.Lines("theirs")))
	c2 := repo.Commit("other@x.io", 200, vcstest.Write("f", vcstest.Lines("theirs", "theirs2")))
	c3 := repo.Commit("me@x.io", 300, vcstest.Write("f", vcstest.Lines("theirs", "theirs2", "mine")))

	tracker := &provenance.Tracker{
		Accessor:    repo,
		EmailFilter: map[string]struct{}{"me@x.io": {}},
	}

	res, err := tracker.Run(context.Background(), c3, c2)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "mine", res.Records[0].Text)
	assert.False(t, res.Records[0].Continued)

	// Lines continued from a listed tail author are kept.
	tracker.EmailFilter = map[string]struct{}{"other@x.io": {}}

	res, err = tracker.Run(context.Background(), c3, c2)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	for _, r := range res.Records {
		assert.True(t, r.Continued)
		assert.Equal(t, "other@x.io", r.Origin.AuthorEmail)
	}
}

func TestRunEmptyWindow(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("f", "x\n"))

	res := run(t, repo, c1, c1)
	assert.Empty(t, res.Records)
	assert.Zero(t, res.Steps)
}
