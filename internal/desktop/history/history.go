// Package history keeps the bounded, most-recent-first interaction log.
package history

import (
	"strconv"
	"strings"

	errx "github.com/tahoe-os/server/internal/core/error"
	"github.com/tahoe-os/server/internal/desktop/model"
)

// Record prepends event to log and truncates the result to max entries.
// The input slice is never modified.
func Record(log []model.InteractionEvent, event model.InteractionEvent, max int) []model.InteractionEvent {
	out := make([]model.InteractionEvent, 0, len(log)+1)
	out = append(out, event)
	out = append(out, log...)
	return Truncate(out, max)
}

// Truncate keeps the max most recent entries. A larger bound never grows the log.
func Truncate(log []model.InteractionEvent, max int) []model.InteractionEvent {
	if max < 0 {
		max = 0
	}
	if len(log) <= max {
		result := make([]model.InteractionEvent, len(log))
		copy(result, log)
		return result
	}
	result := make([]model.InteractionEvent, max)
	copy(result, log[:max])
	return result
}

// ValidateMaxLength rejects bounds outside [MinHistoryLength, MaxHistoryLength].
func ValidateMaxLength(n int) error {
	if n < model.MinHistoryLength || n > model.MaxHistoryLength {
		return errx.Validation("history length must be between %d and %d, got %d",
			model.MinHistoryLength, model.MaxHistoryLength, n)
	}
	return nil
}

// ParseMaxLength parses a settings-form value and validates it.
func ParseMaxLength(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errx.Validation("please enter a number between %d and %d for memory depth",
			model.MinHistoryLength, model.MaxHistoryLength)
	}
	if err := ValidateMaxLength(n); err != nil {
		return 0, err
	}
	return n, nil
}
