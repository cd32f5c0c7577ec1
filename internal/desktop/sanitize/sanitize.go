// Package sanitize strips model formatting artifacts from streamed markup.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// labelled fences, plus any whitespace the model put after them
	labelledFence = regexp.MustCompile("(?i)```(?:html|javascript)\\s*")
	bareFence     = regexp.MustCompile("```\\s*")
)

// Sanitize turns the accumulated model output into renderable markup.
// It is total and pure: apply it to the whole accumulated text on every update,
// since fences and leading prose can straddle fragment boundaries.
func Sanitize(raw string) string {
	clean := strings.TrimSpace(raw)
	clean = labelledFence.ReplaceAllString(clean, "")
	clean = bareFence.ReplaceAllString(clean, "")

	// drop leading prose such as "Here is the code:"
	if i := strings.IndexByte(clean, '<'); i > 0 {
		clean = clean[i:]
	}
	return strings.TrimSpace(clean)
}
