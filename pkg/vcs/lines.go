package vcs

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// SplitLines splits content on newlines. A trailing newline does not produce
// an empty final line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

// LineEdits computes the edit list turning older into newer.
func LineEdits(older, newer []string) []Edit {
	if len(older) == 0 && len(newer) == 0 {
		return nil
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	// Each rune of src and dst stands for one line.
	src, dst, _ := dmp.DiffLinesToRunes(joinLines(older), joinLines(newer))
	diffs := dmp.DiffCleanupMerge(dmp.DiffMainRunes(src, dst, false))

	var (
		edits   []Edit
		current *Edit
		posA    int
		posB    int
	)

	flush := func() {
		if current != nil {
			edits = append(edits, *current)
			current = nil
		}
	}

	open := func() {
		if current == nil {
			current = &Edit{BeginA: posA, EndA: posA, BeginB: posB, EndB: posB}
		}
	}

	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)

		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()

			posA += n
			posB += n
		case diffmatchpatch.DiffDelete:
			open()

			posA += n
			current.EndA = posA
		case diffmatchpatch.DiffInsert:
			open()

			posB += n
			current.EndB = posB
		}
	}

	flush()

	return edits
}

// joinLines renders lines so that every line, including the last, ends in a
// newline. This keeps a missing final newline from registering as an edit.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}

	var sb strings.Builder

	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}

	return sb.String()
}
