package analyze

import (
	"strings"

	"nitwatch/internal/model"
)

var sectionMarkers = []string{"【中文翻译】", "【内容概要】", "【关键标签】", "【重点提示】"}

// parseCompletion slices the completion text into its bracketed sections.
// A completion with none of the markers is treated as a plain translation,
// so off-format replies still carry value.
func parseCompletion(text string) model.Analysis {
	text = strings.TrimSpace(text)

	found := false
	for _, m := range sectionMarkers {
		if strings.Contains(text, m) {
			found = true
			break
		}
	}
	if !found {
		return model.Analysis{Translation: text}
	}

	return model.Analysis{
		Translation: extractSection(text, "【中文翻译】"),
		Summary:     extractSection(text, "【内容概要】"),
		Tags:        parseTags(extractSection(text, "【关键标签】")),
		Category:    extractSection(text, "【重点提示】"),
	}
}

// extractSection returns the text between a marker and the next marker (or
// end of input), trimmed.
func extractSection(text, marker string) string {
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	rest := text[i+len(marker):]

	end := len(rest)
	for _, m := range sectionMarkers {
		if m == marker {
			continue
		}
		if j := strings.Index(rest, m); j >= 0 && j < end {
			end = j
		}
	}
	return strings.TrimSpace(rest[:end])
}

// parseTags splits a tag line on the separators models actually emit.
func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '#', '、', ',', '，', ' ', '\n', '\t':
			return true
		}
		return false
	})
	var tags []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			tags = append(tags, f)
		}
	}
	return tags
}
