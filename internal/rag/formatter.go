package rag

import (
	"fmt"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/core"
)

// CharsPerToken approximates token budgets when no tokenizer is available.
const CharsPerToken = 4

// FormatSearchResults renders results as a numbered list of sources for a
// system prompt. Output is cut to maxChars runes; a source that does not fit
// whole is truncated and nothing after it is rendered. Zero or fewer
// maxChars means no limit. An empty result set renders as "".
func FormatSearchResults(results []core.SearchResult, maxChars int) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	remaining := maxChars
	for i, res := range results {
		title := res.Document.Title
		if title == "" {
			title = res.Document.ID
		}
		entry := fmt.Sprintf("[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(res.Document.Body))

		if maxChars > 0 {
			runes := []rune(entry)
			if len(runes) > remaining {
				if remaining > 0 {
					b.WriteString(string(runes[:remaining]))
				}
				break
			}
			remaining -= len(runes)
		}
		b.WriteString(entry)
	}
	return strings.TrimRight(b.String(), "\n")
}
