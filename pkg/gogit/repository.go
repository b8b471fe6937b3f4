// Package gogit implements vcs.Accessor with the pure-Go go-git library. It
// needs no cgo and can run on in-memory storage.
package gogit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/cache"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrOpen is returned when a repository cannot be opened.
var ErrOpen = errors.New("open repository")

// ErrNoTip is returned when neither HEAD nor a primary branch resolves.
var ErrNoTip = errors.New("no primary branch")

// Repository adapts a go-git repository to vcs.Accessor.
type Repository struct {
	mu    sync.Mutex
	repo  *git.Repository
	diffs *cache.DiffCache
}

// Open opens the repository at path, searching parent directories like git does.
func Open(path string, diffs *cache.DiffCache) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrOpen, path, err)
	}

	return Wrap(repo, diffs), nil
}

// Wrap adapts an already opened repository, e.g. one on memory storage.
func Wrap(repo *git.Repository, diffs *cache.DiffCache) *Repository {
	if diffs == nil {
		diffs = cache.NewDiffCache(cache.DefaultMaxEntries)
	}

	return &Repository{repo: repo, diffs: diffs}
}

// Close implements vcs.Accessor. go-git holds no native resources.
func (r *Repository) Close() error {
	return nil
}

// AuthorIdentity implements vcs.Accessor.
func (r *Repository) AuthorIdentity() (name, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.repo.ConfigScoped(config.GlobalScope)
	if err != nil {
		return "", ""
	}

	return cfg.User.Name, cfg.User.Email
}

// ResolveTip implements vcs.Accessor.
func (r *Repository) ResolveTip(_ context.Context) (vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, err := r.tipHash()
	if err != nil {
		return vcs.Commit{}, err
	}

	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return vcs.Commit{}, fmt.Errorf("lookup tip %s: %w", hash, err)
	}

	return toCommit(commit), nil
}

func (r *Repository) tipHash() (plumbing.Hash, error) {
	head, err := r.repo.Head()
	if err == nil {
		return head.Hash(), nil
	}

	for _, branch := range []string{"master", "main"} {
		ref, refErr := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if refErr == nil {
			return ref.Hash(), nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("%w: %w", ErrNoTip, err)
}

func toCommit(c *object.Commit) vcs.Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}

	return vcs.Commit{
		ID:          c.Hash.String(),
		Parents:     parents,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Time:        c.Committer.When.Unix(),
		Message:     summary(c.Message),
	}
}

func summary(message string) string {
	for i := range len(message) {
		if message[i] == '\n' {
			return message[:i]
		}
	}

	return message
}

// WalkParents implements vcs.Accessor.
func (r *Repository) WalkParents(ctx context.Context, from string, fn func(vcs.Commit) error) error {
	hash := plumbing.NewHash(from)

	for !hash.IsZero() {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		commit, err := r.repo.CommitObject(hash)
		r.mu.Unlock()

		if err != nil {
			return fmt.Errorf("lookup commit %s: %w", hash, err)
		}

		cbErr := fn(toCommit(commit))
		if errors.Is(cbErr, vcs.ErrStopWalk) {
			return nil
		}

		if cbErr != nil {
			return cbErr
		}

		hash = plumbing.ZeroHash
		if len(commit.ParentHashes) > 0 {
			hash = commit.ParentHashes[0]
		}
	}

	return nil
}

func (r *Repository) tree(id string) (*object.Tree, error) {
	if id == "" {
		return nil, nil
	}

	commit, err := r.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", id, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree %s: %w", id, err)
	}

	return tree, nil
}

// ReadBlobLines implements vcs.Accessor.
func (r *Repository) ReadBlobLines(_ context.Context, rev, path string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.tree(rev)
	if err != nil {
		return nil, err
	}

	file, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("read %s at %s: %w", path, rev, vcs.ErrNotFound)
		}

		return nil, fmt.Errorf("read %s at %s: %w", path, rev, err)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", path, rev, err)
	}

	return vcs.SplitLines(content), nil
}

// Files implements vcs.Accessor.
func (r *Repository) Files(_ context.Context, rev string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.tree(rev)
	if err != nil {
		return nil, err
	}

	var paths []string

	err = tree.Files().ForEach(func(f *object.File) error {
		if f.Mode.IsFile() && !isBinary(f) {
			paths = append(paths, f.Name)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree %s: %w", rev, err)
	}

	sort.Strings(paths)

	return paths, nil
}

func isBinary(f *object.File) bool {
	if f == nil {
		return false
	}

	content, err := f.Contents()
	if err != nil {
		return false
	}

	return enry.IsBinary([]byte(content))
}

var _ vcs.Accessor = (*Repository)(nil)
