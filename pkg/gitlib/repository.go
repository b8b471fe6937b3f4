// Package gitlib implements vcs.Accessor on top of libgit2.
package gitlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/cache"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrOpen is returned when a repository cannot be opened.
var ErrOpen = errors.New("open repository")

// ErrRemoteNotSupported is returned when a remote repository URI is provided.
var ErrRemoteNotSupported = errors.New("remote repositories not supported")

// ErrNoTip is returned when neither HEAD nor a primary branch resolves.
var ErrNoTip = errors.New("no primary branch")

var scpLikeURI = regexp.MustCompile(`^[A-Za-z]\w*@[A-Za-z0-9][\w.]*:`)

// fallbackBranches are tried in order when HEAD does not resolve.
var fallbackBranches = []string{"refs/heads/master", "refs/heads/main"}

// Option configures a Repository.
type Option func(*Repository)

// WithDiffCache shares a diff cache across callers.
func WithDiffCache(c *cache.DiffCache) Option {
	return func(r *Repository) {
		r.diffs = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// Repository wraps a libgit2 repository. libgit2 handles are not safe for
// concurrent use, so every accessor method takes the repository lock.
type Repository struct {
	mu     sync.Mutex
	repo   *git2go.Repository
	path   string
	diffs  *cache.DiffCache
	logger *slog.Logger
}

// OpenRepository opens the local git repository at path.
func OpenRepository(path string, opts ...Option) (*Repository, error) {
	if strings.Contains(path, "://") || scpLikeURI.MatchString(path) {
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotSupported, path)
	}

	if len(path) > 1 && path[len(path)-1] == os.PathSeparator {
		path = path[:len(path)-1]
	}

	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrOpen, path, err)
	}

	r := &Repository{repo: repo, path: path}

	for _, opt := range opts {
		opt(r)
	}

	if r.diffs == nil {
		r.diffs = cache.NewDiffCache(cache.DefaultMaxEntries)
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r, nil
}

// Open is OpenRepository returning the vcs.Accessor interface.
func Open(path string, opts ...Option) (vcs.Accessor, error) {
	repo, err := OpenRepository(path, opts...)
	if err != nil {
		return nil, err
	}

	return repo, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// DiffCache returns the cache used for Diff results.
func (r *Repository) DiffCache() *cache.DiffCache {
	return r.diffs
}

// Close releases the repository resources.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}

	return nil
}

// AuthorIdentity reads user.name and user.email from the repository config.
func (r *Repository) AuthorIdentity() (name, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.repo.Config()
	if err != nil {
		return "", ""
	}
	defer cfg.Free()

	// Missing keys are reported as errors; both values are optional.
	name, _ = cfg.LookupString("user.name")   //nolint:errcheck // optional.
	email, _ = cfg.LookupString("user.email") //nolint:errcheck // optional.

	return name, email
}

// ResolveTip returns the commit HEAD points to, falling back to master and main.
func (r *Repository) ResolveTip(_ context.Context) (vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oid, err := r.resolveTipOid()
	if err != nil {
		return vcs.Commit{}, err
	}

	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return vcs.Commit{}, fmt.Errorf("lookup tip %s: %w", oid, err)
	}
	defer commit.Free()

	return toCommit(commit), nil
}

func (r *Repository) resolveTipOid() (*git2go.Oid, error) {
	head, err := r.repo.Head()
	if err == nil {
		defer head.Free()

		return head.Target(), nil
	}

	for _, name := range fallbackBranches {
		ref, lookupErr := r.repo.References.Lookup(name)
		if lookupErr != nil {
			continue
		}

		target := ref.Target()
		ref.Free()

		if target != nil {
			return target, nil
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrNoTip, err)
}

func toCommit(c *git2go.Commit) vcs.Commit {
	author := c.Author()
	committer := c.Committer()

	n := c.ParentCount()
	parents := make([]string, 0, n)

	for i := range n {
		parents = append(parents, c.ParentId(i).String())
	}

	return vcs.Commit{
		ID:          c.Id().String(),
		Parents:     parents,
		AuthorName:  author.Name,
		AuthorEmail: author.Email,
		Time:        committer.When.Unix(),
		Message:     c.Summary(),
	}
}

func parseOid(id string) (*git2go.Oid, error) {
	oid, err := git2go.NewOid(id)
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", id, err)
	}

	return oid, nil
}

var _ vcs.Accessor = (*Repository)(nil)
