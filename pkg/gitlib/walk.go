package gitlib

import (
	"context"
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// WalkParents visits from and its first-parent ancestors, newest first.
// The lock is released while fn runs, so fn may call back into the repository.
func (r *Repository) WalkParents(ctx context.Context, from string, fn func(vcs.Commit) error) error {
	oid, err := parseOid(from)
	if err != nil {
		return err
	}

	for oid != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		commit, next, lookupErr := r.lookupWithParent(oid)
		if lookupErr != nil {
			return lookupErr
		}

		cbErr := fn(commit)
		if errors.Is(cbErr, vcs.ErrStopWalk) {
			return nil
		}

		if cbErr != nil {
			return cbErr
		}

		oid = next
	}

	return nil
}

func (r *Repository) lookupWithParent(oid *git2go.Oid) (vcs.Commit, *git2go.Oid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	native, err := r.repo.LookupCommit(oid)
	if err != nil {
		return vcs.Commit{}, nil, fmt.Errorf("lookup commit %s: %w", oid, err)
	}
	defer native.Free()

	commit := toCommit(native)

	var next *git2go.Oid
	if native.ParentCount() > 0 {
		next = native.ParentId(0)
	}

	return commit, next, nil
}
