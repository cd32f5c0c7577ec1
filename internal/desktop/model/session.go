package model

// Phase is the orchestrator state of the active session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseReady      Phase = "ready"
	PhaseFailed     Phase = "failed"
)

const (
	DesktopTitle  = "Tahoe Finder"
	SettingsTitle = "System Settings"
)

// Session is a read-only snapshot of the live synthesis state handed to the shell.
// Slices are copies; mutating them has no effect on the orchestrator.
type Session struct {
	ID       string
	Revision uint64
	Phase    Phase
	App      *AppDefinition
	Title    string
	Markup   string
	Loading  bool
	// Error is the short message shown above the content, empty when healthy.
	Error        string
	History      []InteractionEvent
	Path         NavigationPath
	CacheKey     string
	SettingsOpen bool
	MaxHistory   int
	Stateful     bool
}

// SynthesisInput is what the content source receives for one request.
type SynthesisInput struct {
	RequestID  string
	History    []InteractionEvent
	MaxHistory int
}
