package model

import (
	"strings"
	"unicode/utf8"
)

const (
	// KindAppOpen is the synthetic event recorded when an application is opened.
	KindAppOpen = "app_open"
	// KindGenericClick is used when generated markup does not tag an interaction kind.
	KindGenericClick = "generic_click"

	// CloseControlID is the reserved identifier of the window-close control.
	CloseControlID = "app_close_button"

	// MaxElementText bounds the visible text excerpt captured with an event.
	MaxElementText = 75
)

// InteractionEvent describes one user action. Treat it as immutable once built.
type InteractionEvent struct {
	ID          string `json:"id" yaml:"id"`
	Kind        string `json:"type" yaml:"type"`
	ElementType string `json:"element_type,omitempty" yaml:"element_type,omitempty"`
	ElementText string `json:"element_text,omitempty" yaml:"element_text,omitempty"`
	// Value is empty when the element referenced no input and carried no value marker.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// AppContext is empty for desktop-level actions.
	AppContext string `json:"app_context,omitempty" yaml:"app_context,omitempty"`
}

// OpenEvent builds the synthetic event that starts an application's history.
func OpenEvent(app AppDefinition) InteractionEvent {
	return InteractionEvent{
		ID:          app.ID,
		Kind:        KindAppOpen,
		ElementType: "icon",
		ElementText: app.Name,
		AppContext:  app.ID,
	}
}

// IsClose reports whether the event targets the window-close control.
func (e InteractionEvent) IsClose() bool {
	return e.ID == CloseControlID
}

// Label is the human readable name of the element, falling back to its id.
func (e InteractionEvent) Label() string {
	if e.ElementText != "" {
		return e.ElementText
	}
	if e.ID != "" {
		return e.ID
	}
	return "Unknown Element"
}

// Excerpt trims s and cuts it to at most n runes.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
