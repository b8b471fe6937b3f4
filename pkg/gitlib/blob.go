package gitlib

import (
	"context"
	"fmt"
	"sort"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ReadBlobLines returns the lines of path at rev.
func (r *Repository) ReadBlobLines(_ context.Context, rev, path string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.commitTree(rev)
	if err != nil {
		return nil, err
	}
	defer tree.Free()

	entry, err := tree.EntryByPath(path)
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w: %w", path, rev, vcs.ErrNotFound, err)
	}

	blob, err := r.repo.LookupBlob(entry.Id)
	if err != nil {
		return nil, fmt.Errorf("lookup blob %s: %w", path, err)
	}
	defer blob.Free()

	return vcs.SplitLines(string(blob.Contents())), nil
}

// Files lists the text files of rev in path order. Binary blobs and
// submodules are skipped.
func (r *Repository) Files(_ context.Context, rev string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.commitTree(rev)
	if err != nil {
		return nil, err
	}
	defer tree.Free()

	var paths []string

	err = tree.Walk(func(dir string, entry *git2go.TreeEntry) error {
		if entry.Type != git2go.ObjectBlob {
			return nil
		}

		blob, lookupErr := r.repo.LookupBlob(entry.Id)
		if lookupErr != nil {
			return fmt.Errorf("lookup blob %s%s: %w", dir, entry.Name, lookupErr)
		}

		binary := enry.IsBinary(blob.Contents())
		blob.Free()

		if !binary {
			paths = append(paths, dir+entry.Name)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree %s: %w", rev, err)
	}

	sort.Strings(paths)

	return paths, nil
}
