// File: internal/complexity/complexity.go
// Description: Model-free heuristic that routes a fresh request to the
// single-action fast path or the plan-first path. Ambiguous goals default
// to COMPLEX, the safer, fuller path.
package complexity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// shortQueryWords is the word count at or below which a query counts as
// short.
const shortQueryWords = 9

// singleActionVerbs are verbs that, leading a short query, indicate one
// concrete page interaction.
var singleActionVerbs = map[string]bool{
	"click": true, "press": true, "tap": true, "open": true, "close": true,
	"scroll": true, "select": true, "check": true, "uncheck": true,
	"go": true, "navigate": true, "visit": true, "type": true, "expand": true,
	"collapse": true, "hover": true, "dismiss": true,
}

// multiStepKeywords signal workflows that need a plan.
var multiStepKeywords = []string{
	"create", "submit", "register", "sign up", "schedule", "book",
	"purchase", "buy", "checkout", "order", "apply", "fill", "complete",
	"configure", "set up", "upload", "publish", "compose", "send an email",
	"log in and", "login and",
}

var (
	// singleTargetRegex matches "click the X button" style phrasing.
	singleTargetRegex = regexp.MustCompile(`(?i)^(?:please\s+)?(?:click|press|tap)(?:\s+on)?\s+(?:the\s+)?.+\s+(?:button|link|tab|icon|menu|checkbox|option)\s*$`)
	// multiFieldRegex matches phrasing that enumerates fields or sequences.
	multiFieldRegex = regexp.MustCompile(`(?i)\bwith\s+(?:name|email|title|username|password|subject|address|phone|date)\b|\bfirst\b.*\bthen\b|\band\s+then\b|\bafter\s+that\b`)
	// conjunctionRegex finds an "and" joining two clauses.
	conjunctionRegex = regexp.MustCompile(`(?i)\band\b`)
)

// Classify routes a goal to the fast or full path. A task continuing from
// prior history always takes the COMPLEX path regardless of text, because
// verifying the previous turn is mandatory. Page size plays only a
// tie-breaking role in the default case.
func Classify(goal string, hasHistory bool, pageSize int) schemas.ComplexityResult {
	if hasHistory {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexityComplex,
			Reason:     "continuing task: verification of the previous action is mandatory",
			Confidence: 1.0,
		}
	}

	trimmed := strings.TrimSpace(goal)
	words := strings.Fields(strings.ToLower(trimmed))
	short := len(words) > 0 && len(words) <= shortQueryWords

	// Short query led by a single-action verb.
	if short && singleActionVerbs[strings.Trim(words[0], ".,!?")] {
		if !multiFieldRegex.MatchString(trimmed) && !hasConjoinedVerbs(words) {
			return schemas.ComplexityResult{
				Level:      schemas.ComplexitySimple,
				Reason:     fmt.Sprintf("short query with leading single-action verb %q", words[0]),
				Confidence: 0.9,
			}
		}
	}

	// Single-target phrasing.
	if singleTargetRegex.MatchString(trimmed) {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexitySimple,
			Reason:     "single-target interaction phrasing",
			Confidence: 0.85,
		}
	}

	// Multi-field or sequencing phrasing.
	if multiFieldRegex.MatchString(trimmed) {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexityComplex,
			Reason:     "multi-field or sequencing phrasing",
			Confidence: 0.85,
		}
	}

	// Known multi-step workflow keywords.
	lower := strings.ToLower(trimmed)
	for _, kw := range multiStepKeywords {
		if strings.Contains(lower, kw) {
			return schemas.ComplexityResult{
				Level:      schemas.ComplexityComplex,
				Reason:     fmt.Sprintf("multi-step keyword %q", kw),
				Confidence: 0.8,
			}
		}
	}

	// Conjunction joining two action verbs.
	if hasConjoinedVerbs(words) {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexityComplex,
			Reason:     "conjunction joins two actions",
			Confidence: 0.8,
		}
	}

	// Short query with no complex signal.
	if short {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexitySimple,
			Reason:     "short query without complex signals",
			Confidence: 0.6,
		}
	}

	// Long query.
	if len(words) >= 10 {
		return schemas.ComplexityResult{
			Level:      schemas.ComplexityComplex,
			Reason:     fmt.Sprintf("long query (%d words)", len(words)),
			Confidence: 0.75,
		}
	}

	// Default: bias toward the safer, fuller path.
	reason := "no clear signal; defaulting to the planned path"
	if pageSize > 200_000 {
		reason = "no clear signal on a large page; defaulting to the planned path"
	}
	return schemas.ComplexityResult{
		Level:      schemas.ComplexityComplex,
		Reason:     reason,
		Confidence: 0.5,
	}
}

// hasConjoinedVerbs reports whether an "and" in the query is followed by
// another action verb ("click X and type Y").
func hasConjoinedVerbs(words []string) bool {
	if len(words) < 3 || !singleActionVerbs[strings.Trim(words[0], ".,!?")] {
		return false
	}
	for i, w := range words[1 : len(words)-1] {
		if w == "and" && singleActionVerbs[strings.Trim(words[i+2], ".,!?")] {
			return true
		}
	}
	return false
}
