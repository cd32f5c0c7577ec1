package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/mount"
	"github.com/tahoe-os/server/internal/desktop/synth"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// DefaultStepTimeout bounds how long a step waits for its view to settle.
const DefaultStepTimeout = 2 * time.Minute

// Frame is the outcome of one step.
type Frame struct {
	Index   int
	Action  string
	Session model.Session
	// View is the mounted markup after the step settled.
	View string
	Err  error
}

// Runner executes steps against a live orchestrator and a bound mount.
type Runner struct {
	orch        *synth.Orchestrator
	mount       *mount.Mount
	stepTimeout time.Duration
	unbind      func()

	mu      sync.Mutex
	lastErr error
}

// NewRunner binds m to orch. Call Close to unbind.
func NewRunner(ctx context.Context, orch *synth.Orchestrator, m *mount.Mount, stepTimeout time.Duration) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	r := &Runner{orch: orch, mount: m, stepTimeout: stepTimeout}
	r.unbind = mount.Bind(ctx, m, orch.Subscribe, r.handle)
	return r
}

func (r *Runner) Close() {
	r.unbind()
}

// handle forwards captured clicks and remembers the outcome for the current step.
func (r *Runner) handle(ctx context.Context, e model.InteractionEvent) error {
	err := r.orch.HandleInteraction(ctx, e)
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	return err
}

func (r *Runner) takeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}

// Step performs s and waits for the resulting view to settle.
func (r *Runner) Step(ctx context.Context, s Step) Frame {
	f := Frame{Action: s.Action()}
	if err := s.Validate(); err != nil {
		f.Err = err
		return f
	}
	r.takeErr()

	switch {
	case s.Open != "":
		f.Err = r.orch.OpenApplicationByID(ctx, s.Open)
	case s.Click != "":
		if _, ok := r.mount.ClickByID(s.Click); !ok {
			f.Err = fmt.Errorf("no interactive element %q in the current view", s.Click)
		} else {
			f.Err = r.takeErr()
		}
	case s.Input != nil:
		f.Err = r.mount.SetValue(s.Input.ID, s.Input.Value)
	case s.Event != nil:
		f.Err = r.orch.HandleInteraction(ctx, *s.Event)
	case s.Close:
		r.orch.CloseApplication(ctx)
	case s.Settings != nil:
		f.Err = r.orch.ApplySettings(ctx, s.Settings.MaxHistory, s.Settings.Stateful)
	case s.ToggleSettings:
		r.orch.ToggleSettings(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	if err := r.orch.Wait(waitCtx); err != nil && f.Err == nil {
		f.Err = fmt.Errorf("waiting for view: %w", err)
	}

	f.Session = r.orch.Snapshot()
	view, err := r.mount.HTML()
	if err != nil {
		logx.Warn().Err(err).Msg("Failed to render mounted view")
	}
	f.View = view
	return f
}

// Run executes every step of sc, handing each frame to emit. It stops early
// on ctx cancellation and, when sc.StopOnError is set, on the first failing step.
func (r *Runner) Run(ctx context.Context, sc Script, emit func(Frame)) error {
	for i, s := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := r.Step(ctx, s)
		f.Index = i + 1
		if f.Err != nil {
			logx.Warn().Err(f.Err).Int("step", f.Index).Str("action", f.Action).Msg("Replay step failed")
		}
		if emit != nil {
			emit(f)
		}
		if f.Err != nil && sc.StopOnError {
			return fmt.Errorf("step %d (%s): %w", f.Index, f.Action, f.Err)
		}
	}
	return nil
}
