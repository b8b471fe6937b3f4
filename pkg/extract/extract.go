// Package extract derives per-commit language and technology statistics
// from the lines each commit adds and removes.
package extract

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/reconcile"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// Extractor recognizes files of one language and pulls the libraries they
// import out of source lines.
type Extractor interface {
	// Name is the language reported in statistics.
	Name() string
	// Identify reports whether the extractor handles path.
	Identify(path string) bool
	// Extract returns the distinct imports found in lines, in first-seen order.
	// It is called once with the lines a file gains and once with the lines
	// it loses.
	Extract(lines []string) []string
}

// Language detects the language of a file with enry. Vendored files and
// unknown languages yield "".
func Language(filename string, content []byte) string {
	if enry.IsVendor(filename) {
		return ""
	}

	return strings.ToLower(enry.GetLanguage(path.Base(filename), content))
}

type regexExtractor struct {
	name     string
	suffixes []string
	patterns []*regexp.Regexp
	// normalize maps a raw match to the reported technology.
	normalize func(string) string
}

func (e *regexExtractor) Name() string { return e.name }

func (e *regexExtractor) Identify(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))

	for _, s := range e.suffixes {
		if ext == s {
			return true
		}
	}

	return false
}

func (e *regexExtractor) Extract(lines []string) []string {
	seen := make(map[string]struct{})

	var out []string

	for _, line := range lines {
		for _, re := range e.patterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}

			lib := firstGroup(m)
			if e.normalize != nil {
				lib = e.normalize(lib)
			}

			if lib == "" {
				continue
			}

			if _, dup := seen[lib]; !dup {
				seen[lib] = struct{}{}
				out = append(out, lib)
			}

			break
		}
	}

	return out
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}

	return ""
}

func topLevel(sep string) func(string) string {
	return func(s string) string {
		head, _, _ := strings.Cut(s, sep)

		return head
	}
}

// npmPackage keeps scoped package names whole and drops relative imports.
func npmPackage(s string) string {
	if strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") {
		return ""
	}

	parts := strings.SplitN(s, "/", 3)
	if strings.HasPrefix(s, "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}

	return parts[0]
}

var (
	goImport    = regexp.MustCompile(`^\s*(?:import\s+)?(?:[\w.]+\s+)?"([\w.\-/~]+)"\s*$`)
	swiftImport = regexp.MustCompile(`import\s+(\w+)`)
	pyImport    = regexp.MustCompile(`^\s*(?:from\s+([\w.]+)\s+import\b|import\s+([\w.]+))`)
	jsImport    = regexp.MustCompile(`(?:\bfrom\s+|\brequire\(\s*|^\s*import\s+)['"]([^'"]+)['"]`)
	jvmImport   = regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.]+)`)
)

// Defaults returns the built-in extractors.
func Defaults() []Extractor {
	js := []*regexp.Regexp{jsImport}

	return []Extractor{
		&regexExtractor{name: "go", suffixes: []string{".go"}, patterns: []*regexp.Regexp{goImport}},
		&regexExtractor{name: "swift", suffixes: []string{".swift"}, patterns: []*regexp.Regexp{swiftImport}},
		&regexExtractor{
			name: "python", suffixes: []string{".py"},
			patterns: []*regexp.Regexp{pyImport}, normalize: topLevel("."),
		},
		&regexExtractor{
			name: "javascript", suffixes: []string{".js", ".jsx", ".mjs", ".cjs"},
			patterns: js, normalize: npmPackage,
		},
		&regexExtractor{
			name: "typescript", suffixes: []string{".ts", ".tsx"},
			patterns: js, normalize: npmPackage,
		},
		&regexExtractor{name: "java", suffixes: []string{".java"}, patterns: []*regexp.Regexp{jvmImport}},
		&regexExtractor{name: "kotlin", suffixes: []string{".kt", ".kts"}, patterns: []*regexp.Regexp{jvmImport}},
	}
}

func extractorFor(p string, extractors []Extractor) Extractor {
	for _, e := range extractors {
		if e.Identify(p) {
			return e
		}
	}

	return nil
}

type churn struct {
	added, deleted int
}

type langTotals struct {
	churn
	// tech counts the changed lines of files whose changes import each
	// technology.
	tech map[string]*churn
}

func (lt *langTotals) techOf(lib string) *churn {
	c := lt.tech[lib]
	if c == nil {
		c = &churn{}
		lt.tech[lib] = c
	}

	return c
}

// Build computes the statistics of c against its first parent. Binary and
// vendored files are skipped.
func Build(ctx context.Context, acc vcs.Accessor, c reconcile.Commit, extractors []Extractor) (remote.CommitStats, error) {
	out := remote.CommitStats{Commit: c.Hash}

	diffs, err := acc.Diff(ctx, c.FirstParent(), c.ID)
	if err != nil {
		return out, fmt.Errorf("diff %s: %w", c.ID, err)
	}

	totals := make(map[string]*langTotals)

	for _, fd := range diffs {
		if fd.Binary || len(fd.Edits) == 0 {
			continue
		}

		p := fd.Path()
		ext := extractorFor(p, extractors)

		var lang string
		if ext != nil {
			lang = ext.Name()
		} else {
			lang = Language(p, nil)
		}

		if lang == "" || enry.IsVendor(p) {
			continue
		}

		added, removed, err := changedLines(ctx, acc, c, fd)
		if err != nil {
			return out, err
		}

		lt := totals[lang]
		if lt == nil {
			lt = &langTotals{tech: make(map[string]*churn)}
			totals[lang] = lt
		}

		lt.added += len(added)
		lt.deleted += len(removed)

		if ext != nil {
			for _, lib := range ext.Extract(added) {
				lt.techOf(lib).added += len(added)
			}

			for _, lib := range ext.Extract(removed) {
				lt.techOf(lib).deleted += len(removed)
			}
		}
	}

	out.Stats = flatten(totals)

	return out, nil
}

// changedLines returns the text of the lines fd adds, read from c, and of
// the lines it removes, read from c's first parent.
func changedLines(ctx context.Context, acc vcs.Accessor, c reconcile.Commit, fd vcs.FileDiff) (added, removed []string, err error) {
	added, err = linesOf(ctx, acc, c.ID, fd.NewPath, fd.Edits, newerSide)
	if err != nil {
		return nil, nil, err
	}

	removed, err = linesOf(ctx, acc, c.FirstParent(), fd.OldPath, fd.Edits, olderSide)
	if err != nil {
		return nil, nil, err
	}

	return added, removed, nil
}

func olderSide(e vcs.Edit) (int, int) { return e.BeginA, e.EndA }

func newerSide(e vcs.Edit) (int, int) { return e.BeginB, e.EndB }

// linesOf collects the lines of rev:p covered by one side of edits. The blob
// is read only when that side is non-empty.
func linesOf(ctx context.Context, acc vcs.Accessor, rev, p string, edits []vcs.Edit, side func(vcs.Edit) (int, int)) ([]string, error) {
	total := 0

	for _, e := range edits {
		begin, end := side(e)
		total += end - begin
	}

	if total == 0 {
		return nil, nil
	}

	content, err := acc.ReadBlobLines(ctx, rev, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}

	out := make([]string, 0, total)

	for _, e := range edits {
		begin, end := side(e)
		if end > len(content) {
			return nil, fmt.Errorf("read %s: edit %d-%d beyond %d lines", p, begin, end, len(content))
		}

		out = append(out, content[begin:end]...)
	}

	return out, nil
}

func flatten(totals map[string]*langTotals) []remote.Stat {
	var stats []remote.Stat

	for lang, lt := range totals {
		stats = append(stats, remote.Stat{Language: lang, LinesAdded: lt.added, LinesDeleted: lt.deleted})

		for lib, n := range lt.tech {
			stats = append(stats, remote.Stat{Language: lang, Technology: lib, LinesAdded: n.added, LinesDeleted: n.deleted})
		}
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Language != stats[j].Language {
			return stats[i].Language < stats[j].Language
		}

		return stats[i].Technology < stats[j].Technology
	})

	return stats
}
