package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCommitsNew     = "lineage.commits.new"
	metricLinesEmitted   = "lineage.lines.emitted"
	metricFileErrors     = "lineage.provenance.file_errors"
	metricConsumerErrors = "lineage.consumer.errors"
	metricSyncDuration   = "lineage.sync.duration.seconds"

	attrConsumer = "consumer"
	attrOutcome  = "outcome"
)

// SyncMetrics holds the instruments of sync runs.
type SyncMetrics struct {
	commitsNew     metric.Int64Counter
	linesEmitted   metric.Int64Counter
	fileErrors     metric.Int64Counter
	consumerErrors metric.Int64Counter
	syncDuration   metric.Float64Histogram
}

// SyncStats summarizes one sync run.
type SyncStats struct {
	NewCommits int
	Lines      int
	FileErrors int
	Duration   time.Duration
	Failed     bool
}

// NewSyncMetrics creates sync instruments from the given meter.
func NewSyncMetrics(mt metric.Meter) (*SyncMetrics, error) {
	b := &instrumentBuilder{mt: mt}

	m := &SyncMetrics{
		commitsNew:     b.counter(metricCommitsNew, "Commits found new by reconciliation", "{commit}"),
		linesEmitted:   b.counter(metricLinesEmitted, "Line provenance records transmitted", "{line}"),
		fileErrors:     b.counter(metricFileErrors, "Files abandoned by the provenance walk", "{file}"),
		consumerErrors: b.counter(metricConsumerErrors, "Consumer failures by consumer", "{error}"),
		syncDuration:   b.histogram(metricSyncDuration, "Sync run duration in seconds"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return m, nil
}

// RecordSync records a finished run. A nil receiver records nothing.
func (m *SyncMetrics) RecordSync(ctx context.Context, stats SyncStats) {
	if m == nil {
		return
	}

	outcome := StatusOK
	if stats.Failed {
		outcome = StatusError
	}

	m.commitsNew.Add(ctx, int64(stats.NewCommits))
	m.linesEmitted.Add(ctx, int64(stats.Lines))
	m.fileErrors.Add(ctx, int64(stats.FileErrors))
	m.syncDuration.Record(ctx, stats.Duration.Seconds(), metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// RecordConsumerError counts one failure of the named consumer.
func (m *SyncMetrics) RecordConsumerError(ctx context.Context, consumer string) {
	if m == nil {
		return
	}

	m.consumerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrConsumer, consumer)))
}

// instrumentBuilder keeps the first creation error.
type instrumentBuilder struct {
	mt  metric.Meter
	err error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.mt.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}

	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.mt.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}

	return h
}
