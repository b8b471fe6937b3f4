// Package identity derives the content hashes that make commits and
// repositories comparable across machines.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrNoRoot is returned when a walk from the tip finds no commits.
var ErrNoRoot = errors.New("no root commit")

// Hasher maps a native commit to its content hash. Hashes produced by
// different versions are never compared.
type Hasher interface {
	Version() int
	CommitHash(c vcs.Commit) string
}

// V1 hashes the native commit id with SHA-256.
type V1 struct{}

// Version implements Hasher.
func (V1) Version() int { return 1 }

// CommitHash implements Hasher.
func (V1) CommitHash(c vcs.Commit) string {
	return sha256Hex(c.ID)
}

// Default returns the current hasher.
func Default() Hasher {
	return V1{}
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RepoIdentity combines the root commit hash and the analyzing author.
// Histories with different roots never share an identity.
func RepoIdentity(rootHash, authorEmail string) string {
	return sha256Hex(rootHash + ":" + NormalizeEmail(authorEmail))
}

// Identity describes a repository as seen by one author.
type Identity struct {
	ID          string
	RootHash    string
	RootID      string
	HashVersion int
}

// Derive walks first parents from tip to the root commit and computes the
// repository identity.
func Derive(ctx context.Context, acc vcs.Accessor, hasher Hasher, tip, authorEmail string) (Identity, error) {
	var root vcs.Commit

	found := false

	err := acc.WalkParents(ctx, tip, func(c vcs.Commit) error {
		root = c
		found = true

		return nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("walk to root: %w", err)
	}

	if !found {
		return Identity{}, ErrNoRoot
	}

	rootHash := hasher.CommitHash(root)

	return Identity{
		ID:          RepoIdentity(rootHash, authorEmail),
		RootHash:    rootHash,
		RootID:      root.ID,
		HashVersion: hasher.Version(),
	}, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}
