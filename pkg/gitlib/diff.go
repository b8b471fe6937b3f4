package gitlib

import (
	"context"
	"fmt"
	"sort"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/cache"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// Diff returns the rename-aware file changes from older to newer. Results are
// served from the diff cache when present.
func (r *Repository) Diff(_ context.Context, older, newer string) ([]vcs.FileDiff, error) {
	key := cache.StepKey{Older: older, Newer: newer}

	if diffs, ok := r.diffs.Get(key); ok {
		return diffs, nil
	}

	r.mu.Lock()
	diffs, err := r.diffTrees(older, newer)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	r.diffs.Put(key, diffs)

	return diffs, nil
}

func (r *Repository) commitTree(id string) (*git2go.Tree, error) {
	if id == "" {
		return nil, nil
	}

	oid, err := parseOid(id)
	if err != nil {
		return nil, err
	}

	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", id, err)
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree %s: %w", id, err)
	}

	return tree, nil
}

func (r *Repository) diffTrees(older, newer string) ([]vcs.FileDiff, error) {
	oldTree, err := r.commitTree(older)
	if err != nil {
		return nil, err
	}

	if oldTree != nil {
		defer oldTree.Free()
	}

	newTree, err := r.commitTree(newer)
	if err != nil {
		return nil, err
	}
	defer newTree.Free()

	if oldTree != nil && oldTree.Id().Equal(newTree.Id()) {
		return nil, nil
	}

	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("get diff options: %w", err)
	}

	// Zero context makes every hunk exactly one edit.
	opts.ContextLines = 0
	opts.InterhunkLines = 0

	diff, err := r.repo.DiffTreeToTree(oldTree, newTree, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	defer func() {
		// Free() errors are non-actionable in cleanup.
		_ = diff.Free() //nolint:errcheck // see above.
	}()

	findOpts, err := git2go.DefaultDiffFindOptions()
	if err != nil {
		return nil, fmt.Errorf("get find options: %w", err)
	}

	findOpts.Flags = git2go.DiffFindRenames

	err = diff.FindSimilar(&findOpts)
	if err != nil {
		return nil, fmt.Errorf("find renames: %w", err)
	}

	return r.collectFileDiffs(diff)
}

type pendingDiff struct {
	fd     vcs.FileDiff
	oldOid *git2go.Oid
	newOid *git2go.Oid
}

// collectFileDiffs converts libgit2 deltas and hunks into vcs.FileDiff values.
func (r *Repository) collectFileDiffs(diff *git2go.Diff) ([]vcs.FileDiff, error) {
	var (
		pending []*pendingDiff
		current *pendingDiff
	)

	err := diff.ForEach(func(delta git2go.DiffDelta, _ float64) (git2go.DiffForEachHunkCallback, error) {
		fd, ok := fileDiffFromDelta(delta)
		if !ok {
			return nil, nil
		}

		current = &pendingDiff{fd: fd, oldOid: delta.OldFile.Oid, newOid: delta.NewFile.Oid}
		pending = append(pending, current)

		if fd.Binary {
			return nil, nil
		}

		return func(hunk git2go.DiffHunk) (git2go.DiffForEachLineCallback, error) {
			current.fd.Edits = append(current.fd.Edits, editFromHunk(hunk))

			return nil, nil
		}, nil
	}, git2go.DiffDetailHunks)
	if err != nil {
		return nil, fmt.Errorf("diff foreach: %w", err)
	}

	result := make([]vcs.FileDiff, 0, len(pending))

	for _, p := range pending {
		// libgit2 emits no hunks for binary content, so a change without
		// edits is checked against the blobs themselves.
		if !p.fd.Binary && len(p.fd.Edits) == 0 {
			p.fd.Binary = r.isBinaryBlob(p.oldOid) || r.isBinaryBlob(p.newOid)
		}

		if p.fd.Binary {
			p.fd.Edits = nil
		}

		result = append(result, p.fd)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Path() < result[j].Path()
	})

	return result, nil
}

func (r *Repository) isBinaryBlob(oid *git2go.Oid) bool {
	if oid == nil || oid.IsZero() {
		return false
	}

	blob, err := r.repo.LookupBlob(oid)
	if err != nil {
		return false
	}
	defer blob.Free()

	return enry.IsBinary(blob.Contents())
}

func fileDiffFromDelta(delta git2go.DiffDelta) (vcs.FileDiff, bool) {
	if delta.OldFile.Mode == uint16(git2go.FilemodeCommit) || delta.NewFile.Mode == uint16(git2go.FilemodeCommit) {
		return vcs.FileDiff{}, false
	}

	fd := vcs.FileDiff{
		OldPath: delta.OldFile.Path,
		NewPath: delta.NewFile.Path,
		Binary:  delta.Flags&git2go.DiffFlagBinary != 0,
	}

	switch delta.Status {
	case git2go.DeltaAdded, git2go.DeltaCopied:
		fd.Type = vcs.Added
		fd.OldPath = ""
	case git2go.DeltaDeleted:
		fd.Type = vcs.Deleted
		fd.NewPath = ""
	case git2go.DeltaModified, git2go.DeltaTypeChange:
		fd.Type = vcs.Modified
	case git2go.DeltaRenamed:
		fd.Type = vcs.Renamed
	case git2go.DeltaUnmodified, git2go.DeltaIgnored, git2go.DeltaUntracked,
		git2go.DeltaUnreadable, git2go.DeltaConflicted:
		return vcs.FileDiff{}, false
	default:
		return vcs.FileDiff{}, false
	}

	return fd, true
}

// editFromHunk maps a zero-context hunk header to a 0-based half-open edit.
// For an empty side libgit2 reports the line after which the change sits.
func editFromHunk(h git2go.DiffHunk) vcs.Edit {
	beginA := h.OldStart - 1
	if h.OldLines == 0 {
		beginA = h.OldStart
	}

	beginB := h.NewStart - 1
	if h.NewLines == 0 {
		beginB = h.NewStart
	}

	return vcs.Edit{
		BeginA: beginA,
		EndA:   beginA + h.OldLines,
		BeginB: beginB,
		EndB:   beginB + h.NewLines,
	}
}
