package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/lineage/pkg/identity"
	"github.com/Sumatoshi-tech/lineage/pkg/provenance"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatPlot  = "plot"

	day  = int64(24 * 60 * 60)
	year = 365 * day

	plotWidth  = "900px"
	plotHeight = "500px"
	outputPerm = 0o600
)

type ageBucket struct {
	label string
	// below is the exclusive upper bound in seconds; zero is unbounded.
	below int64
}

var ageBuckets = []ageBucket{
	{"< 1 day", day},
	{"< 1 week", 7 * day},
	{"< 1 month", 30 * day},
	{"< 3 months", 91 * day},
	{"< 1 year", year},
	{"< 2 years", 2 * year},
	{">= 2 years", 0},
}

// AgeRow counts the lines of one age bucket.
type AgeRow struct {
	Bucket  string `json:"bucket"  yaml:"bucket"`
	Alive   int    `json:"alive"   yaml:"alive"`
	Deleted int    `json:"deleted" yaml:"deleted"`
}

// AgeReport summarizes line ages between two revisions.
type AgeReport struct {
	Tip          string   `json:"tip"                yaml:"tip"`
	Tail         string   `json:"tail,omitempty"     yaml:"tail,omitempty"`
	Records      int      `json:"records"            yaml:"records"`
	Alive        int      `json:"alive"              yaml:"alive"`
	Deleted      int      `json:"deleted"            yaml:"deleted"`
	Continued    int      `json:"continued"          yaml:"continued"`
	NegativeAges int      `json:"negative_ages"      yaml:"negative_ages"`
	FileErrors   []string `json:"file_errors,omitempty" yaml:"file_errors,omitempty"`
	// MedianAge is in seconds.
	MedianAge int64    `json:"median_age" yaml:"median_age"`
	Buckets   []AgeRow `json:"buckets"    yaml:"buckets"`
}

type agesOptions struct {
	tail        string
	authorEmail string
	workers     int
	format      string
	output      string
}

// NewAgesCommand creates the ages subcommand.
func NewAgesCommand(global *GlobalOptions) *cobra.Command {
	opts := &agesOptions{}

	cmd := &cobra.Command{
		Use:   "ages [path]",
		Short: "Trace line provenance locally and render line ages",
		Long: `Ages traces every line changed after --tail (the whole history by default)
and reports how long lines lived before deletion, or have lived so far.
Nothing is sent to the results store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAges(cmd, global, opts, pathsOrCwd(args)[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.tail, "tail", "", "exclusive lower bound revision")
	flags.StringVar(&opts.authorEmail, "author-email", "", "only count lines written by this author")
	flags.IntVar(&opts.workers, "workers", 0, "provenance workers (0 = GOMAXPROCS)")
	flags.StringVarP(&opts.format, "format", "f", formatTable, "output format: table, json, yaml or plot")
	flags.StringVarP(&opts.output, "output", "o", "", "write to this file instead of stdout")

	return cmd
}

func runAges(cmd *cobra.Command, global *GlobalOptions, opts *agesOptions, path string) error {
	switch opts.format {
	case formatTable, formatJSON, formatYAML, formatPlot:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, opts.format)
	}

	cfg, err := global.load()
	if err != nil {
		return err
	}

	a, err := newApp(global, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	acc, err := a.opener()(path)
	if err != nil {
		return err
	}
	defer acc.Close()

	tip, err := acc.ResolveTip(ctx)
	if err != nil {
		return fmt.Errorf("resolve tip: %w", err)
	}

	tracker := &provenance.Tracker{Accessor: acc, Workers: opts.workers, Logger: a.logger}

	if opts.authorEmail != "" {
		tracker.EmailFilter = map[string]struct{}{identity.NormalizeEmail(opts.authorEmail): {}}
	}

	result, err := tracker.Run(ctx, tip.ID, opts.tail)
	if err != nil {
		return err
	}

	report := summarizeAges(result)

	out := cmd.OutOrStdout()

	if opts.output != "" {
		f, createErr := os.OpenFile(opts.output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputPerm)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		defer f.Close()

		out = f
	}

	return renderAges(out, opts.format, report)
}

// summarizeAges buckets provenance records by age. Negative ages count as
// zero.
func summarizeAges(result *provenance.Result) *AgeReport {
	report := &AgeReport{
		Tip:          result.Tip,
		Tail:         result.Tail,
		Records:      len(result.Records),
		NegativeAges: result.NegativeAges,
		Buckets:      make([]AgeRow, len(ageBuckets)),
	}

	for i, b := range ageBuckets {
		report.Buckets[i].Bucket = b.label
	}

	ages := make([]int64, 0, len(result.Records))

	for _, rec := range result.Records {
		age := max(rec.Terminal.Time-rec.Origin.Time, 0)
		ages = append(ages, age)

		row := &report.Buckets[bucketOf(age)]

		if rec.Alive {
			row.Alive++
			report.Alive++
		} else {
			row.Deleted++
			report.Deleted++
		}

		if rec.Continued {
			report.Continued++
		}
	}

	for _, fe := range result.Errors {
		report.FileErrors = append(report.FileErrors, fe.Path)
	}

	if len(ages) > 0 {
		slices.Sort(ages)
		report.MedianAge = ages[len(ages)/2]
	}

	return report
}

func bucketOf(age int64) int {
	for i, b := range ageBuckets {
		if b.below == 0 || age < b.below {
			return i
		}
	}

	return len(ageBuckets) - 1
}

func renderAges(w io.Writer, format string, report *AgeReport) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()

		return enc.Encode(report)
	case formatPlot:
		return agesChart(report).Render(w)
	default:
		renderAgesTable(w, report)

		return nil
	}
}

func renderAgesTable(w io.Writer, report *AgeReport) {
	colors := newPalette(w)

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.AppendHeader(table.Row{"Age", "Alive", "Deleted", "Share"})

	for _, row := range report.Buckets {
		tbl.AppendRow(table.Row{
			row.Bucket,
			humanize.Comma(int64(row.Alive)),
			humanize.Comma(int64(row.Deleted)),
			share(row.Alive+row.Deleted, report.Records),
		})
	}

	tbl.AppendFooter(table.Row{
		"Total",
		humanize.Comma(int64(report.Alive)),
		humanize.Comma(int64(report.Deleted)),
		share(report.Records, report.Records),
	})
	tbl.Render()

	fmt.Fprintf(w, "\nmedian age: %s\n", humanAge(report.MedianAge))

	if report.Continued > 0 {
		fmt.Fprintf(w, "lines older than the tail: %s\n", humanize.Comma(int64(report.Continued)))
	}

	if len(report.FileErrors) > 0 {
		colors.color(color.FgYellow).Fprintf(w, "skipped files: %s\n", strings.Join(report.FileErrors, ", "))
	}
}

func agesChart(report *AgeReport) *charts.Bar {
	labels := make([]string, len(report.Buckets))
	alive := make([]opts.BarData, len(report.Buckets))
	deleted := make([]opts.BarData, len(report.Buckets))

	for i, row := range report.Buckets {
		labels[i] = row.Bucket
		alive[i] = opts.BarData{Value: row.Alive}
		deleted[i] = opts.BarData{Value: row.Deleted}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Line ages",
			Width:     plotWidth,
			Height:    plotHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Line ages",
			Subtitle: fmt.Sprintf("%s lines, median %s", humanize.Comma(int64(report.Records)), humanAge(report.MedianAge)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Lines"}),
	)
	bar.SetXAxis(labels).
		AddSeries("Alive", alive, charts.WithBarChartOpts(opts.BarChart{Stack: "ages"})).
		AddSeries("Deleted", deleted, charts.WithBarChartOpts(opts.BarChart{Stack: "ages"}))

	return bar
}

func share(part, total int) string {
	if total == 0 {
		return "0%"
	}

	return humanize.FormatFloat("#.#", float64(part)*100/float64(total)) + "%"
}

func humanAge(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}

	base := time.Unix(0, 0)

	return strings.TrimSpace(humanize.RelTime(base, base.Add(time.Duration(seconds)*time.Second), "", ""))
}
