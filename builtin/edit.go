package builtin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Edit replaces OldText with NewText.
type Edit struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

func parseEdits(raw any) ([]Edit, error) {
	switch v := raw.(type) {
	case []Edit:
		if len(v) == 0 {
			return nil, errors.New("edits is required")
		}
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, errors.New("edits is required")
		}
		out := make([]Edit, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("edit %d: expected an object", i)
			}
			oldText, ok := firstString(m, "oldText", "old_text")
			if !ok || oldText == "" {
				return nil, fmt.Errorf("edit %d: oldText is required", i)
			}
			newText, _ := firstString(m, "newText", "new_text")
			out = append(out, Edit{OldText: oldText, NewText: newText})
		}
		return out, nil
	default:
		return nil, errors.New("edits is required")
	}
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// applyEdits applies each edit in order. An exact match is replaced once;
// otherwise the old text is matched line by line ignoring surrounding
// whitespace, and each replacement line is shifted by the indentation
// difference between the file and the old text.
func applyEdits(content string, edits []Edit) (string, error) {
	modified := content
	for _, e := range edits {
		oldText := normalizeLineEndings(e.OldText)
		newText := normalizeLineEndings(e.NewText)

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		next, ok := replaceLoose(modified, oldText, newText)
		if !ok {
			return "", fmt.Errorf("could not find a match for edit:\n%s", e.OldText)
		}
		modified = next
	}
	return modified, nil
}

func replaceLoose(content, oldText, newText string) (string, bool) {
	lines := strings.Split(content, "\n")
	oldLines := strings.Split(oldText, "\n")

	for i := 0; i+len(oldLines) <= len(lines); i++ {
		window := lines[i : i+len(oldLines)]
		if !linesMatch(window, oldLines) {
			continue
		}

		pad := " "
		if strings.HasPrefix(window[0], "\t") {
			pad = "\t"
		}
		newLines := strings.Split(newText, "\n")
		delta := 0
		for j, line := range newLines {
			// lines past the end of the old block keep the last shift
			if j < len(oldLines) {
				delta = len(leadingWhitespace(window[j])) - len(leadingWhitespace(oldLines[j]))
			}
			newLines[j] = reindent(line, delta, pad)
		}

		out := make([]string, 0, len(lines)-len(oldLines)+len(newLines))
		out = append(out, lines[:i]...)
		out = append(out, newLines...)
		out = append(out, lines[i+len(oldLines):]...)
		return strings.Join(out, "\n"), true
	}
	return "", false
}

func reindent(line string, delta int, pad string) string {
	if strings.TrimSpace(line) == "" {
		return line
	}
	switch {
	case delta > 0:
		return strings.Repeat(pad, delta) + line
	case delta < 0:
		cut := min(-delta, len(leadingWhitespace(line)))
		return line[cut:]
	}
	return line
}

func linesMatch(window, want []string) bool {
	for i := range want {
		if strings.TrimSpace(window[i]) != strings.TrimSpace(want[i]) {
			return false
		}
	}
	return true
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func unifiedDiff(path, original, modified string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(modified),
		FromFile: path,
		ToFile:   path,
		FromDate: "original",
		ToDate:   "modified",
		Context:  3,
	})
}
