package refine

import (
	"strconv"
	"strings"
)

const (
	issueMarker       = "⚠"
	improvementMarker = "✓"
	finalAnswerMarker = "FINAL ANSWER:"

	defaultConfidence = 0.5
)

// parseScore reads a confidence in [0, 1]; anything non-numeric scores 0.5.
func parseScore(raw string) float64 {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultConfidence
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// parseFindings splits critique text into issue and improvement lines.
func parseFindings(texts ...string) (issues, improvements []string) {
	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimLeft(line, "-* ")
			switch {
			case strings.HasPrefix(line, improvementMarker):
				improvements = appendUnique(improvements, line)
			case strings.HasPrefix(line, issueMarker):
				issues = appendUnique(issues, line)
			}
		}
	}
	return issues, improvements
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// findingText strips the marker and an optional "Label:" prefix, then
// lowercases and collapses whitespace.
func findingText(line string) string {
	line = strings.TrimPrefix(line, issueMarker)
	line = strings.TrimPrefix(line, improvementMarker)
	line = strings.TrimSpace(line)
	if i := strings.Index(line, ":"); i >= 0 && i < 32 {
		line = line[i+1:]
	}
	return strings.Join(strings.Fields(strings.ToLower(line)), " ")
}

func overlaps(a, b string) bool {
	na, nb := findingText(a), findingText(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// mergeFindings folds one analysis round into the session lists.
// Improvements are deduplicated by exact text. Issues that overlap an
// improvement confirmed in this round are treated as resolved and dropped,
// both from the new issues and from what was already pending.
func mergeFindings(improvements, pending, issues, found []string) (newImprovements, newPending []string) {
	var confirmed []string
	for _, imp := range found {
		if !contains(improvements, imp) {
			confirmed = append(confirmed, imp)
		}
	}
	newImprovements = appendUnique(append([]string(nil), improvements...), confirmed...)

	resolved := func(issue string) bool {
		for _, imp := range confirmed {
			if overlaps(issue, imp) {
				return true
			}
		}
		return false
	}

	for _, p := range pending {
		if !resolved(p) {
			newPending = appendUnique(newPending, p)
		}
	}
	for _, is := range issues {
		if !resolved(is) {
			newPending = appendUnique(newPending, is)
		}
	}
	return newImprovements, newPending
}

func stripFinalAnswer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= len(finalAnswerMarker) && strings.EqualFold(s[:len(finalAnswerMarker)], finalAnswerMarker) {
		s = strings.TrimSpace(s[len(finalAnswerMarker):])
	}
	return s
}

func lastN(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
