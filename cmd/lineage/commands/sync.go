package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/syncer"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

type syncOptions struct {
	authorName      string
	authorEmail     string
	allContributors bool
	store           string
	sqlitePath      string
	workers         int
	batchSize       int
	bound           bool
	format          string
}

// NewSyncCommand creates the sync subcommand.
func NewSyncCommand(global *GlobalOptions) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync [path...]",
		Short: "Synchronize local repositories with the results store",
		Long: `Sync reconciles each repository's commits against the stored baseline,
traces line provenance since the last synchronized tip, posts commits,
statistics and line records, then advances the baseline.

A repository whose results fail to post keeps its previous baseline and
is retried in full on the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, global, opts, pathsOrCwd(args))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.authorName, "author-name", "", "analyzing author name (default: repository git config)")
	flags.StringVar(&opts.authorEmail, "author-email", "", "analyzing author email (default: repository git config)")
	flags.BoolVar(&opts.allContributors, "all-contributors", false, "transmit commits of every contributor")
	flags.StringVar(&opts.store, "store", "", "results store: memory, sqlite or s3")
	flags.StringVar(&opts.sqlitePath, "sqlite-path", "", "sqlite database path")
	flags.IntVar(&opts.workers, "workers", -1, "provenance workers (0 = GOMAXPROCS)")
	flags.IntVar(&opts.batchSize, "batch-size", 0, "records per store request")
	flags.BoolVar(&opts.bound, "bound", false, "stop the reconcile walk at the previous tip")
	flags.StringVarP(&opts.format, "format", "f", formatText, "report format: text or json")

	return cmd
}

func runSync(cmd *cobra.Command, global *GlobalOptions, opts *syncOptions, paths []string) error {
	if opts.format != formatText && opts.format != formatJSON {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, opts.format)
	}

	cfg, err := global.load()
	if err != nil {
		return err
	}

	if opts.store != "" {
		cfg.Store.Backend = opts.store
	}

	if opts.sqlitePath != "" {
		cfg.Store.SQLitePath = opts.sqlitePath
	}

	if opts.workers >= 0 {
		cfg.Sync.Workers = opts.workers
	}

	if opts.batchSize > 0 {
		cfg.Sync.BatchSize = opts.batchSize
	}

	if opts.bound {
		cfg.Sync.BoundReconcile = true
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return validateErr
	}

	a, err := newApp(global, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	defer func() {
		closeErr := store.Close()
		if closeErr != nil {
			a.logger.Warn("close store", "error", closeErr)
		}
	}()

	syncMetrics, err := observability.NewSyncMetrics(a.providers.Meter)
	if err != nil {
		return fmt.Errorf("sync metrics: %w", err)
	}

	storeMetrics, err := observability.NewREDMetrics(a.providers.Meter)
	if err != nil {
		return fmt.Errorf("store metrics: %w", err)
	}

	s := &syncer.Syncer{
		Open:           a.opener(),
		Store:          store,
		Hasher:         identity.Default(),
		Extractors:     extract.Defaults(),
		Workers:        cfg.Sync.Workers,
		BatchSize:      cfg.Sync.BatchSize,
		Buffer:         cfg.Sync.SubscriberBuffer,
		BoundReconcile: cfg.Sync.BoundReconcile,
		Logger:         a.logger,
		Metrics:        syncMetrics,
		StoreMetrics:   storeMetrics,
		Tracer:         a.providers.Tracer,
	}

	authorName := firstNonEmpty(opts.authorName, cfg.Repository.AuthorName)
	authorEmail := firstNonEmpty(opts.authorEmail, cfg.Repository.AuthorEmail)
	allContributors := opts.allContributors || cfg.Repository.HashAllContributors

	out := cmd.OutOrStdout()
	colors := newPalette(out)
	reports := make([]*syncer.Report, 0, len(paths))

	var errs []error

	for _, path := range paths {
		report, runErr := s.Run(ctx, syncer.LocalRepo{
			Path:                path,
			AuthorName:          authorName,
			AuthorEmail:         authorEmail,
			HashAllContributors: allContributors,
		})
		if runErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, runErr))

			if opts.format == formatText {
				colors.color(color.FgRed).Fprintf(out, "%s: sync failed\n", path)
			}

			if ctx.Err() != nil {
				break
			}

			continue
		}

		reports = append(reports, report)

		if opts.format == formatText {
			printReport(out, colors, path, report)
		}
	}

	if opts.format == formatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		encodeErr := enc.Encode(reports)
		if encodeErr != nil {
			errs = append(errs, fmt.Errorf("encode report: %w", encodeErr))
		}
	}

	return errors.Join(errs...)
}

func printReport(w io.Writer, colors palette, path string, r *syncer.Report) {
	status := "synchronized"
	if r.FirstRun {
		status = "registered"
	}

	colors.color(color.FgGreen).Fprintf(w, "%s: %s\n", path, status)
	fmt.Fprintf(w, "  identity:     %s\n", r.Identity)
	fmt.Fprintf(w, "  tip:          %s\n", r.Tip)
	fmt.Fprintf(w, "  new commits:  %s (%s transmitted)\n", humanize.Comma(int64(r.NewCommits)), humanize.Comma(int64(r.Transmitted)))
	fmt.Fprintf(w, "  line records: %s\n", humanize.Comma(int64(r.LineRecords)))

	if r.ProvenanceSkipped {
		fmt.Fprintln(w, "  provenance:   up to date")
	}

	if r.FileErrors > 0 {
		colors.color(color.FgYellow).Fprintf(w, "  file errors:  %d\n", r.FileErrors)
	}

	if r.Stale {
		colors.color(color.FgYellow).Fprintln(w, "  baseline hash version changed; history resent")
	}

	fmt.Fprintf(w, "  took:         %s\n", r.Duration.Round(time.Millisecond))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
