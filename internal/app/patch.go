package app

import (
	"strings"

	"github.com/muesli/reflow/truncate"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// patchMaxLineLength skips word-level highlighting for lines longer than
// this; plain line coloring is still applied.
const patchMaxLineLength = 500

// renderPatch colorizes a unified-style patch for display. Adjacent
// deletion/addition pairs additionally get word-level emphasis on the
// changed spans.
func renderPatch(patch string, width int) string {
	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")

	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			if i+1 < len(lines) && isAddition(lines[i+1]) {
				del, add := highlightPair(line[1:], lines[i+1][1:])
				out = append(out, clip(diffDeletedStyle.Render("-")+del, width))
				out = append(out, clip(diffAddedStyle.Render("+")+add, width))
				i++
				continue
			}
			out = append(out, clip(diffDeletedStyle.Render(line), width))

		case isAddition(line):
			out = append(out, clip(diffAddedStyle.Render(line), width))

		case strings.HasPrefix(line, "@@"):
			out = append(out, clip(mutedStyle.Render(line), width))

		default:
			out = append(out, clip(line, width))
		}
	}
	return strings.Join(out, "\n")
}

func isAddition(line string) bool {
	return strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++")
}

// highlightPair runs a character diff over a deleted/added line pair and
// emphasizes the spans that actually changed.
func highlightPair(deleted, added string) (string, string) {
	if len(deleted) > patchMaxLineLength || len(added) > patchMaxLineLength {
		return diffDeletedStyle.Render(deleted), diffAddedStyle.Render(added)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(deleted, added, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var delOut, addOut strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			delOut.WriteString(diffDeletedStyle.Render(d.Text))
			addOut.WriteString(diffAddedStyle.Render(d.Text))
		case diffmatchpatch.DiffDelete:
			delOut.WriteString(diffEmphasis.Inherit(diffDeletedStyle).Render(d.Text))
		case diffmatchpatch.DiffInsert:
			addOut.WriteString(diffEmphasis.Inherit(diffAddedStyle).Render(d.Text))
		}
	}
	return delOut.String(), addOut.String()
}

// clip truncates a rendered line to the pane width, ANSI aware.
func clip(line string, width int) string {
	if width <= 0 {
		return line
	}
	return truncate.StringWithTail(line, uint(width), "…")
}
