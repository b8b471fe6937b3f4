// Package sqlstore keeps repository baselines and mined results in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/Sumatoshi-tech/lineage/pkg/remote"
)

// Store implements remote.Store on a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
// path may be ":memory:".
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close() //nolint:errcheck // already failing.

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := MigrateUp(db); err != nil {
		_ = db.Close() //nolint:errcheck // already failing.

		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// FetchState implements remote.Baseline.
func (s *Store) FetchState(ctx context.Context, identity string) (*remote.State, error) {
	var (
		state     remote.State
		emails    string
		updatedAt int64
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT identity, root_hash, hash_version, user_email, emails, tail, updated_at
		 FROM repos WHERE identity = ?`, identity)

	err := row.Scan(&state.Identity, &state.RootHash, &state.HashVersion, &state.UserEmail, &emails, &state.Tail, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetch state %s: %w", identity, err)
	}

	if err := json.Unmarshal([]byte(emails), &state.Emails); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}

	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM repo_commits WHERE identity = ? ORDER BY seq`, identity)
	if err != nil {
		return nil, fmt.Errorf("fetch commits %s: %w", identity, err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}

		state.Commits = append(state.Commits, hash)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}

	return &state, nil
}

// PostState implements remote.Baseline. The commit list is replaced wholesale.
func (s *Store) PostState(ctx context.Context, state *remote.State) error {
	emails, err := json.Marshal(state.Emails)
	if err != nil {
		return fmt.Errorf("encode emails: %w", err)
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repos (identity, root_hash, hash_version, user_email, emails, tail, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(identity) DO UPDATE SET
			   root_hash = excluded.root_hash,
			   hash_version = excluded.hash_version,
			   user_email = excluded.user_email,
			   emails = excluded.emails,
			   tail = excluded.tail,
			   updated_at = excluded.updated_at`,
			state.Identity, state.RootHash, state.HashVersion, state.UserEmail, string(emails), state.Tail, updatedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert repo: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM repo_commits WHERE identity = ?`, state.Identity); err != nil {
			return fmt.Errorf("clear commits: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO repo_commits (identity, seq, hash) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare commits: %w", err)
		}
		defer stmt.Close()

		for i, hash := range state.Commits {
			if _, err := stmt.ExecContext(ctx, state.Identity, i, hash); err != nil {
				return fmt.Errorf("insert commit: %w", err)
			}
		}

		return nil
	})
}

// PostCommits implements remote.Sink.
func (s *Store) PostCommits(ctx context.Context, identity string, commits []remote.Commit) error {
	return s.inBatch(ctx, identity, "commits", func(tx *sql.Tx, batchID string) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO commits (batch_id, identity, hash, author_name, author_email, time, message)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare commits: %w", err)
		}
		defer stmt.Close()

		for _, c := range commits {
			_, err := stmt.ExecContext(ctx, batchID, identity, c.Hash, c.AuthorName, c.AuthorEmail, c.Time, c.Message)
			if err != nil {
				return fmt.Errorf("insert commit %s: %w", c.Hash, err)
			}
		}

		return nil
	})
}

// PostLines implements remote.Sink.
func (s *Store) PostLines(ctx context.Context, identity string, lines []remote.Line) error {
	return s.inBatch(ctx, identity, "lines", func(tx *sql.Tx, batchID string) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO lines (batch_id, identity,
			   origin_commit, origin_path, origin_index, origin_time, origin_author,
			   terminal_commit, terminal_path, terminal_index, terminal_time, terminal_author,
			   alive, age, continued)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare lines: %w", err)
		}
		defer stmt.Close()

		for _, l := range lines {
			_, err := stmt.ExecContext(ctx, batchID, identity,
				l.Origin.Commit, l.Origin.Path, l.Origin.Index, l.Origin.Time, l.Origin.Author,
				l.Terminal.Commit, l.Terminal.Path, l.Terminal.Index, l.Terminal.Time, l.Terminal.Author,
				l.Alive, l.Age, l.Continued)
			if err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
		}

		return nil
	})
}

// PostStats implements remote.Sink.
func (s *Store) PostStats(ctx context.Context, identity string, stats []remote.CommitStats) error {
	return s.inBatch(ctx, identity, "stats", func(tx *sql.Tx, batchID string) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO commit_stats (batch_id, identity, commit_hash, language, technology, lines_added, lines_deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare stats: %w", err)
		}
		defer stmt.Close()

		for _, cs := range stats {
			for _, st := range cs.Stats {
				_, err := stmt.ExecContext(ctx, batchID, identity, cs.Commit, st.Language, st.Technology, st.LinesAdded, st.LinesDeleted)
				if err != nil {
					return fmt.Errorf("insert stat %s: %w", cs.Commit, err)
				}
			}
		}

		return nil
	})
}

// CountCommits returns how many commits were posted for identity.
func (s *Store) CountCommits(ctx context.Context, identity string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM commits WHERE identity = ?`, identity)
}

// CountLines returns how many line records were posted for identity.
func (s *Store) CountLines(ctx context.Context, identity string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM lines WHERE identity = ?`, identity)
}

// CountStats returns how many stat rows were posted for identity.
func (s *Store) CountStats(ctx context.Context, identity string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM commit_stats WHERE identity = ?`, identity)
}

func (s *Store) count(ctx context.Context, query, identity string) (int, error) {
	var n int

	if err := s.db.QueryRowContext(ctx, query, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	return n, nil
}

func (s *Store) inBatch(ctx context.Context, identity, kind string, fn func(tx *sql.Tx, batchID string) error) error {
	batchID := uuid.NewString()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO batches (id, identity, kind, created_at) VALUES (?, ?, ?, ?)`,
			batchID, identity, kind, s.now().Unix())
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		return fn(tx, batchID)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck // the original error matters more.

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

var _ remote.Store = (*Store)(nil)
