package lore

import (
	"strconv"
	"strings"

	"github.com/jordanhubbard/lore/pkg/models"
)

// charsPerToken is the rough budget conversion used when truncating the
// prompt fragment.
const charsPerToken = 4

// AsPrompt formats query results as a markdown fragment for system prompt
// injection. Results keep their score order; only whole lessons that fit
// the token budget are included. Returns "" when nothing fits.
func AsPrompt(results []models.ScoredLesson, maxTokens int) string {
	if len(results) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	budget := maxTokens * charsPerToken

	var sb strings.Builder
	header := "## Relevant Lessons\n"
	used := len(header)
	included := 0

	for _, r := range results {
		block := lessonBlock(r.Lesson)
		if used+len(block) > budget {
			break
		}
		if included == 0 {
			sb.WriteString(header)
		}
		sb.WriteString(block)
		used += len(block)
		included++
	}

	if included == 0 {
		return ""
	}
	return sb.String()
}

func lessonBlock(l *models.Lesson) string {
	var sb strings.Builder
	sb.WriteString("\n**Problem:** ")
	sb.WriteString(l.Problem)
	sb.WriteString("\n**Resolution:** ")
	sb.WriteString(l.Resolution)
	sb.WriteString("\n**Confidence:** ")
	sb.WriteString(strconv.FormatFloat(l.Confidence, 'g', -1, 64))
	sb.WriteString("\n")
	return sb.String()
}
