package model

import (
	"fmt"
	"time"
)

// ================ Config ================

// ClosePolicy selects how the reserved close control id is handled.
type ClosePolicy string

const (
	// CloseInBand intercepts the close id inside HandleInteraction and closes the app.
	CloseInBand ClosePolicy = "in_band"
	// CloseShell leaves closing to the shell; the close id is an ordinary interaction.
	CloseShell ClosePolicy = "shell"
)

// FailurePolicy selects what happens to partial markup when a stream fails midway.
type FailurePolicy string

const (
	// FailureReplace swaps any partial output for the diagnostic fragment.
	FailureReplace FailurePolicy = "replace"
	// FailureKeepPartial keeps fragments already shown and only reports the error.
	FailureKeepPartial FailurePolicy = "keep_partial"
)

type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

const (
	MinHistoryLength = 0
	MaxHistoryLength = 10
)

type DesktopConfig struct {
	MaxHistory    int           `envconfig:"DESKTOP_MAX_HISTORY" default:"5"`
	Stateful      bool          `envconfig:"DESKTOP_STATEFUL" default:"false"`
	ClosePolicy   ClosePolicy   `envconfig:"DESKTOP_CLOSE_POLICY" default:"in_band"`
	FailurePolicy FailurePolicy `envconfig:"DESKTOP_FAILURE_POLICY" default:"replace"`
	StreamTimeout time.Duration `envconfig:"DESKTOP_STREAM_TIMEOUT" default:"90s"`
	CacheBackend  CacheBackend  `envconfig:"DESKTOP_CACHE_BACKEND" default:"memory"`
	CacheNS       string        `envconfig:"VIEW_CACHE_NAMESPACE" default:"tahoe"`
}

// Validate checks enum values and ranges. Zero-valued enums are accepted and defaulted by callers.
func (c DesktopConfig) Validate() error {
	if c.MaxHistory < MinHistoryLength || c.MaxHistory > MaxHistoryLength {
		return fmt.Errorf("DESKTOP_MAX_HISTORY must be between %d and %d, got %d", MinHistoryLength, MaxHistoryLength, c.MaxHistory)
	}
	switch c.ClosePolicy {
	case "", CloseInBand, CloseShell:
	default:
		return fmt.Errorf("unknown DESKTOP_CLOSE_POLICY %q", c.ClosePolicy)
	}
	switch c.FailurePolicy {
	case "", FailureReplace, FailureKeepPartial:
	default:
		return fmt.Errorf("unknown DESKTOP_FAILURE_POLICY %q", c.FailurePolicy)
	}
	switch c.CacheBackend {
	case "", CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("unknown DESKTOP_CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.StreamTimeout < 0 {
		return fmt.Errorf("DESKTOP_STREAM_TIMEOUT must not be negative")
	}
	return nil
}

type ViewModelConfig struct {
	Model          string  `envconfig:"VIEW_MODEL" default:"gemini-3-flash-preview"`
	MaxTokens      int     `envconfig:"VIEW_MAX_TOKENS" default:"8192"`
	Temperature    float32 `envconfig:"VIEW_TEMPERATURE" default:"0.7"`
	ThinkingBudget int32   `envconfig:"VIEW_THINKING_BUDGET" default:"0"`
}
