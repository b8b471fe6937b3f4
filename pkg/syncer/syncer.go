// Package syncer runs one synchronization of a local repository against the
// remote baseline: reconcile, fan the new commits out to the transmit and
// statistics consumers, track line provenance and persist the new state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/framework"
	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/provenance"
	"github.com/Sumatoshi-tech/lineage/pkg/reconcile"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// ErrNoAuthorEmail is returned when neither the descriptor nor the
// repository configuration names the analyzing author.
var ErrNoAuthorEmail = errors.New("no author email configured")

const (
	// DefaultBatchSize is the number of commits per PostCommits call.
	DefaultBatchSize = 100
	// DefaultLineBatchSize is the number of records per PostLines call.
	DefaultLineBatchSize = 5000

	consumerTransmit = "transmit"
	consumerStats    = "stats"
	consumerLines    = "lines"
)

// LocalRepo describes the repository to synchronize.
type LocalRepo struct {
	Path        string
	AuthorName  string
	AuthorEmail string
	// HashAllContributors transmits every author's commits instead of only
	// the analyzing author's.
	HashAllContributors bool
}

// OpenFunc opens a repository accessor.
type OpenFunc func(path string) (vcs.Accessor, error)

// SyncError aggregates the consumer failures of a run. errors.Is and
// errors.As reach every member.
type SyncError struct {
	Errs []error
}

func (e *SyncError) Error() string {
	return "sync failed: " + errors.Join(e.Errs...).Error()
}

// Unwrap returns the member errors.
func (e *SyncError) Unwrap() []error {
	return e.Errs
}

// Report summarizes a run.
type Report struct {
	// RunID identifies the run in logs and traces.
	RunID      string
	Identity   string
	Tip        string
	FirstRun   bool
	Stale      bool
	Walked     int
	NewCommits int
	// Transmitted counts commits posted; only filtered authors are sent.
	Transmitted int
	StatsPosted int
	LineRecords int
	FileErrors  int
	// ProvenanceSkipped is set when the tip has not moved since the last run.
	ProvenanceSkipped bool
	Duration          time.Duration
}

// Syncer runs sync operations. Open and Store are required.
type Syncer struct {
	Open       OpenFunc
	Store      remote.Store
	Hasher     identity.Hasher
	Extractors []extract.Extractor
	// Workers is the provenance shard count; zero uses GOMAXPROCS.
	Workers   int
	BatchSize int
	// Buffer is the per-consumer channel buffer.
	Buffer int
	// BoundReconcile stops the reconcile walk at the previous tip instead
	// of walking the whole history.
	BoundReconcile bool
	Logger         *slog.Logger
	Metrics        *observability.SyncMetrics
	StoreMetrics   *observability.REDMetrics
	Tracer         trace.Tracer
	Now            func() time.Time
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}

	return s.Logger
}

func (s *Syncer) tracer() trace.Tracer {
	if s.Tracer == nil {
		return otel.Tracer("lineage.syncer")
	}

	return s.Tracer
}

func (s *Syncer) hasher() identity.Hasher {
	if s.Hasher == nil {
		return identity.Default()
	}

	return s.Hasher
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}

	return s.Now()
}

func (s *Syncer) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}

	return s.BatchSize
}

// Run synchronizes repo. The accessor is closed on every path. A *SyncError
// is returned when any consumer failed; the remote state is then left
// untouched so the next run retries the same commits.
func (s *Syncer) Run(ctx context.Context, repo LocalRepo) (report *Report, err error) {
	start := time.Now()

	ctx, span := s.tracer().Start(ctx, "lineage.sync")
	defer span.End()

	report = &Report{RunID: uuid.NewString()}
	span.SetAttributes(attribute.String("sync.run_id", report.RunID))

	defer func() {
		report.Duration = time.Since(start)

		s.Metrics.RecordSync(ctx, observability.SyncStats{
			NewCommits: report.NewCommits,
			Lines:      report.LineRecords,
			FileErrors: report.FileErrors,
			Duration:   report.Duration,
			Failed:     err != nil,
		})

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	acc, err := s.Open(repo.Path)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", repo.Path, err)
	}

	defer func() {
		if closeErr := acc.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close repository: %w", closeErr)
		}
	}()

	err = s.run(ctx, acc, repo, report)

	return report, err
}

func (s *Syncer) run(ctx context.Context, acc vcs.Accessor, repo LocalRepo, report *Report) error {
	logger := s.logger().With("run", report.RunID)
	hasher := s.hasher()

	tip, err := acc.ResolveTip(ctx)
	if err != nil {
		return fmt.Errorf("resolve tip: %w", err)
	}

	report.Tip = tip.ID

	email := repo.AuthorEmail
	if email == "" {
		_, email = acc.AuthorIdentity()
	}

	email = identity.NormalizeEmail(email)
	if email == "" {
		return ErrNoAuthorEmail
	}

	id, err := identity.Derive(ctx, acc, hasher, tip.ID, email)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}

	report.Identity = id.ID
	logger = logger.With("identity", shortID(id.ID))

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("repo.identity", id.ID))

	state, err := s.fetchState(ctx, id.ID)
	if err != nil {
		return err
	}

	if state == nil {
		report.FirstRun = true
		state = &remote.State{
			Identity:    id.ID,
			RootHash:    id.RootHash,
			HashVersion: id.HashVersion,
			UserEmail:   email,
			UpdatedAt:   s.now(),
		}

		logger.Info("repository unknown to remote, registering")

		if err := s.storeCall(ctx, "post_state", func(ctx context.Context) error {
			return s.Store.PostState(ctx, state)
		}); err != nil {
			return fmt.Errorf("register repository: %w", err)
		}
	}

	window, err := s.reconcile(ctx, acc, tip.ID, state)
	if err != nil {
		return err
	}

	report.Walked = len(window.Walked)
	report.NewCommits = len(window.New)
	report.Stale = window.Stale

	emails := reconcile.FilterEmails(window.Emails, state, reconcile.Local{
		UserEmail:           email,
		HashAllContributors: repo.HashAllContributors,
	})

	logger.Info("reconciled",
		"walked", len(window.Walked), "new", len(window.New), "known", window.Known, "authors", len(emails))

	consumerErrs := s.broadcast(ctx, acc, id.ID, window, emails, report)

	provTail := state.Tail
	if window.Stale {
		provTail = ""
	}

	if provTail == tip.ID {
		report.ProvenanceSkipped = true
	} else if err := s.lines(ctx, acc, id.ID, tip.ID, provTail, emails, report); err != nil {
		consumerErrs = append(consumerErrs, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(consumerErrs) > 0 {
		return &SyncError{Errs: consumerErrs}
	}

	next := nextState(state, id, email, window, emails, tip.ID, s.now())

	if err := s.storeCall(ctx, "post_state", func(ctx context.Context) error {
		return s.Store.PostState(ctx, next)
	}); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	logger.Info("sync complete",
		"transmitted", report.Transmitted, "lines", report.LineRecords, "file_errors", report.FileErrors)

	return nil
}

func (s *Syncer) fetchState(ctx context.Context, identity string) (*remote.State, error) {
	var state *remote.State

	err := s.storeCall(ctx, "fetch_state", func(ctx context.Context) error {
		var fetchErr error

		state, fetchErr = s.Store.FetchState(ctx, identity)

		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}

	return state, nil
}

func (s *Syncer) reconcile(ctx context.Context, acc vcs.Accessor, tip string, state *remote.State) (*reconcile.Window, error) {
	ctx, span := s.tracer().Start(ctx, "lineage.sync.reconcile")
	defer span.End()

	tail := ""
	if s.BoundReconcile {
		tail = state.Tail
	}

	r := &reconcile.Reconciler{Accessor: acc, Hasher: s.hasher(), Logger: s.logger()}

	window, err := r.Reconcile(ctx, tip, tail, state)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("reconcile.walked", len(window.Walked)),
		attribute.Int("lineage.commits.new", len(window.New)),
	)

	return window, nil
}

// broadcast streams the new commits, oldest first, to both consumers and
// returns their errors.
func (s *Syncer) broadcast(
	ctx context.Context, acc vcs.Accessor, id string, window *reconcile.Window,
	emails map[string]struct{}, report *Report,
) []error {
	ctx, span := s.tracer().Start(ctx, "lineage.sync.broadcast")
	defer span.End()

	b := framework.NewBroadcast[reconcile.Commit]()
	commits := b.Subscribe(s.Buffer)
	stats := b.Subscribe(s.Buffer)

	var (
		wg          sync.WaitGroup
		transmitErr error
		statsErr    error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		report.Transmitted, transmitErr = s.transmit(ctx, id, emails, commits)
	}()

	go func() {
		defer wg.Done()

		report.StatsPosted, statsErr = s.stats(ctx, acc, id, emails, stats)
	}()

	connectErr := b.Connect(ctx, framework.Items(window.New))

	wg.Wait()

	var errs []error

	for _, c := range []struct {
		name string
		err  error
	}{{consumerTransmit, transmitErr}, {consumerStats, statsErr}} {
		if c.err == nil {
			continue
		}

		s.Metrics.RecordConsumerError(ctx, c.name)
		s.logger().Error("consumer failed", "consumer", c.name, "error", c.err)

		errs = append(errs, fmt.Errorf("%s consumer: %w", c.name, c.err))
	}

	if connectErr != nil {
		errs = append(errs, fmt.Errorf("broadcast: %w", connectErr))
	}

	return errs
}

func authoredBy(c reconcile.Commit, emails map[string]struct{}) bool {
	_, ok := emails[identity.NormalizeEmail(c.AuthorEmail)]

	return ok
}

// transmit posts the filtered commits in batches. After a failure it keeps
// draining so the producer is never blocked.
func (s *Syncer) transmit(ctx context.Context, id string, emails map[string]struct{}, in <-chan reconcile.Commit) (int, error) {
	var (
		batch []remote.Commit
		sent  int
		err   error
	)

	flush := func() {
		if len(batch) == 0 || err != nil {
			return
		}

		err = s.storeCall(ctx, "post_commits", func(ctx context.Context) error {
			return s.Store.PostCommits(ctx, id, batch)
		})
		if err == nil {
			sent += len(batch)
		}

		batch = nil
	}

	for c := range in {
		if err != nil || !authoredBy(c, emails) {
			continue
		}

		batch = append(batch, remote.Commit{
			Hash:        c.Hash,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
			Time:        c.Time,
			Message:     c.Message,
		})

		if len(batch) >= s.batchSize() {
			flush()
		}
	}

	flush()

	return sent, err
}

// stats builds and posts per-commit statistics for the filtered commits.
func (s *Syncer) stats(
	ctx context.Context, acc vcs.Accessor, id string, emails map[string]struct{}, in <-chan reconcile.Commit,
) (int, error) {
	extractors := s.Extractors
	if extractors == nil {
		extractors = extract.Defaults()
	}

	var (
		batch []remote.CommitStats
		sent  int
		err   error
	)

	flush := func() {
		if len(batch) == 0 || err != nil {
			return
		}

		err = s.storeCall(ctx, "post_stats", func(ctx context.Context) error {
			return s.Store.PostStats(ctx, id, batch)
		})
		if err == nil {
			sent += len(batch)
		}

		batch = nil
	}

	for c := range in {
		if err != nil || !authoredBy(c, emails) {
			continue
		}

		st, buildErr := extract.Build(ctx, acc, c, extractors)
		if buildErr != nil {
			err = buildErr

			continue
		}

		if len(st.Stats) == 0 {
			continue
		}

		batch = append(batch, st)

		if len(batch) >= s.batchSize() {
			flush()
		}
	}

	flush()

	return sent, err
}

// lines runs the provenance tracker over (tail, tip] and posts the records
// of the filtered authors.
func (s *Syncer) lines(
	ctx context.Context, acc vcs.Accessor, id, tip, tail string, emails map[string]struct{}, report *Report,
) error {
	ctx, span := s.tracer().Start(ctx, "lineage.sync.provenance")
	defer span.End()

	tracker := &provenance.Tracker{
		Accessor:    acc,
		Workers:     s.Workers,
		EmailFilter: emails,
		Logger:      s.logger(),
	}

	res, err := tracker.Run(ctx, tip, tail)
	if err != nil {
		s.Metrics.RecordConsumerError(ctx, consumerLines)

		return fmt.Errorf("provenance: %w", err)
	}

	report.FileErrors = len(res.Errors)

	for _, fe := range res.Errors {
		s.logger().Warn("file history abandoned", "path", fe.Path, "revision", fe.Revision, "error", fe.Err)
	}

	span.SetAttributes(
		attribute.Int("provenance.steps", res.Steps),
		attribute.Int("lines", len(res.Records)),
	)

	out := make([]remote.Line, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, toLine(r))
	}

	for start := 0; start < len(out); start += DefaultLineBatchSize {
		end := min(start+DefaultLineBatchSize, len(out))

		if err := s.storeCall(ctx, "post_lines", func(ctx context.Context) error {
			return s.Store.PostLines(ctx, id, out[start:end])
		}); err != nil {
			s.Metrics.RecordConsumerError(ctx, consumerLines)

			return fmt.Errorf("%s consumer: %w", consumerLines, err)
		}

		report.LineRecords += end - start
	}

	return nil
}

func toPosition(p provenance.Point) remote.Position {
	return remote.Position{Commit: p.Revision, Path: p.Path, Index: p.Index, Time: p.Time, Author: p.AuthorEmail}
}

func toLine(r provenance.LineRecord) remote.Line {
	return remote.Line{
		Origin:    toPosition(r.Origin),
		Terminal:  toPosition(r.Terminal),
		Alive:     r.Alive,
		Age:       r.Age(),
		Continued: r.Continued,
	}
}

// storeCall times a store request.
func (s *Syncer) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	done := s.StoreMetrics.TrackInflight(ctx, op)
	defer done()

	start := time.Now()
	err := fn(ctx)

	status := observability.StatusOK
	if err != nil {
		status = observability.StatusError
	}

	s.StoreMetrics.RecordRequest(ctx, op, status, time.Since(start))

	return err
}

// nextState is the baseline after a successful run: every walked commit is
// known, the tip becomes the tail of the next provenance window.
func nextState(
	prev *remote.State, id identity.Identity, email string, window *reconcile.Window,
	emails map[string]struct{}, tip string, now time.Time,
) *remote.State {
	next := prev.Clone()
	next.Identity = id.ID
	next.RootHash = id.RootHash
	next.HashVersion = id.HashVersion
	next.UserEmail = email
	next.Tail = tip
	next.UpdatedAt = now

	if window.Stale {
		next.Commits = nil
	}

	for _, c := range window.New {
		next.Commits = append(next.Commits, c.Hash)
	}

	merged := make(map[string]struct{}, len(emails)+len(next.Emails))
	for _, e := range next.Emails {
		merged[identity.NormalizeEmail(e)] = struct{}{}
	}

	for e := range emails {
		merged[e] = struct{}{}
	}

	next.Emails = make([]string, 0, len(merged))
	for e := range merged {
		next.Emails = append(next.Emails, e)
	}

	sort.Strings(next.Emails)

	return next
}

func shortID(id string) string {
	const n = 12
	if len(id) <= n {
		return id
	}

	return id[:n]
}
