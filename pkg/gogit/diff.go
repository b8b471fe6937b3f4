package gogit

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/Sumatoshi-tech/lineage/pkg/cache"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// Diff implements vcs.Accessor with rename detection enabled.
func (r *Repository) Diff(ctx context.Context, older, newer string) ([]vcs.FileDiff, error) {
	key := cache.StepKey{Older: older, Newer: newer}

	if diffs, ok := r.diffs.Get(key); ok {
		return diffs, nil
	}

	r.mu.Lock()
	diffs, err := r.diffTrees(ctx, older, newer)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	r.diffs.Put(key, diffs)

	return diffs, nil
}

func (r *Repository) diffTrees(ctx context.Context, older, newer string) ([]vcs.FileDiff, error) {
	oldTree, err := r.tree(older)
	if err != nil {
		return nil, err
	}

	newTree, err := r.tree(newer)
	if err != nil {
		return nil, err
	}

	opts := *object.DefaultDiffTreeOptions
	opts.DetectRenames = true

	changes, err := object.DiffTreeWithOptions(ctx, oldTree, newTree, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	result := make([]vcs.FileDiff, 0, len(changes))

	for _, change := range changes {
		fd, ok, convErr := convertChange(change)
		if convErr != nil {
			return nil, convErr
		}

		if ok {
			result = append(result, fd)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Path() < result[j].Path()
	})

	return result, nil
}

func convertChange(change *object.Change) (vcs.FileDiff, bool, error) {
	action, err := change.Action()
	if err != nil {
		return vcs.FileDiff{}, false, fmt.Errorf("change action: %w", err)
	}

	from, to, err := change.Files()
	if err != nil {
		return vcs.FileDiff{}, false, fmt.Errorf("change files: %w", err)
	}

	fd := vcs.FileDiff{OldPath: change.From.Name, NewPath: change.To.Name}

	switch action {
	case merkletrie.Insert:
		fd.Type = vcs.Added
	case merkletrie.Delete:
		fd.Type = vcs.Deleted
	case merkletrie.Modify:
		fd.Type = vcs.Modified
		if fd.OldPath != fd.NewPath {
			fd.Type = vcs.Renamed
		}
	default:
		return vcs.FileDiff{}, false, nil
	}

	if isBinary(from) || isBinary(to) {
		fd.Binary = true

		return fd, true, nil
	}

	oldLines, err := fileLines(from)
	if err != nil {
		return vcs.FileDiff{}, false, err
	}

	newLines, err := fileLines(to)
	if err != nil {
		return vcs.FileDiff{}, false, err
	}

	fd.Edits = vcs.LineEdits(oldLines, newLines)

	return fd, true, nil
}

func fileLines(f *object.File) ([]string, error) {
	if f == nil {
		return nil, nil
	}

	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}

	return vcs.SplitLines(content), nil
}
