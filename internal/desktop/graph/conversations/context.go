package conversations

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tahoe-os/server/internal/desktop/model"
)

// MaxPastValue bounds how much of a previous interaction's value is repeated to the model.
const MaxPastValue = 50

// InteractionContext is the textual context the view prompt is rendered from.
type InteractionContext struct {
	Current    string
	AppContext string
	Previous   string
	// Grounded is set when the current app answers with live web results.
	Grounded bool
}

// ContextBuilder turns a history log into prompt context.
type ContextBuilder struct {
	catalog model.Catalog
}

func NewContextBuilder(catalog model.Catalog) *ContextBuilder {
	if catalog == nil {
		catalog = model.DefaultCatalog
	}
	return &ContextBuilder{catalog: catalog}
}

// Build describes log[0] as the current interaction and up to maxHistory-1
// earlier ones. log must be non-empty and most recent first.
func (b *ContextBuilder) Build(log []model.InteractionEvent, maxHistory int) (InteractionContext, error) {
	if len(log) == 0 {
		return InteractionContext{}, fmt.Errorf("interaction history is empty")
	}
	current := log[0]

	out := InteractionContext{
		Current:    summarizeCurrent(current),
		AppContext: "No specific app context for current interaction.",
	}
	if current.AppContext != "" {
		out.AppContext = fmt.Sprintf("Current App Context: '%s'.", b.catalog.NameOf(current.AppContext))
		if app, ok := b.catalog.Lookup(current.AppContext); ok {
			out.Grounded = app.Grounded
		}
	}

	past := trimPast(log[1:], maxHistory-1)
	if len(past) == 0 {
		return out, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Previous User Interactions (up to %d most recent):", max(maxHistory-1, 0))
	for i, e := range past {
		appName := "N/A"
		if e.AppContext != "" {
			appName = b.catalog.NameOf(e.AppContext)
		}
		fmt.Fprintf(&sb, "\n%d. (App: %s) Clicked '%s' (Type: %s, ID: %s)",
			i+1, appName, e.Label(), orNA(e.Kind), orNA(e.ID))
		if e.Value != "" {
			fmt.Fprintf(&sb, " with value '%s'", truncate(e.Value, MaxPastValue))
		}
		sb.WriteString(".")
	}
	out.Previous = sb.String()
	return out, nil
}

func summarizeCurrent(e model.InteractionEvent) string {
	s := fmt.Sprintf("Current User Interaction: Clicked on '%s' (Type: %s, ID: %s).",
		e.Label(), orNA(e.Kind), orNA(e.ID))
	if e.Value != "" {
		s += fmt.Sprintf(" Associated value entered: '%s'.", e.Value)
	}
	return s
}

// trimPast keeps the n most recent entries of an already most-recent-first slice.
func trimPast(past []model.InteractionEvent, n int) []model.InteractionEvent {
	if n <= 0 {
		return nil
	}
	if len(past) > n {
		past = past[:n]
	}
	return past
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
