// Package synth coordinates interaction history, the view cache and a streaming
// content source to produce the markup shown for the active application.
//
// Every request is bound to the epoch that was current when it was issued.
// Opening, closing or interacting bumps the epoch, and a stream whose epoch is
// no longer current has its fragments dropped instead of applied. The
// transport is not aborted; only its effect is suppressed.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	errx "github.com/tahoe-os/server/internal/core/error"
	"github.com/tahoe-os/server/internal/desktop/history"
	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/viewcache"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// DiagnosticFragment replaces the view when a request fails.
const DiagnosticFragment = `<div class="p-6 text-red-600 bg-red-50 rounded-lg m-4 border border-red-200 shadow-sm">
  <h2 class="font-bold text-lg mb-2">Kernel Extension Error</h2>
  <p class="text-sm">The OS failed to render the application view. Please try again.</p>
</div>`

// Source streams generated markup fragments for one request.
// Each call is a fresh, non-restartable request.
type Source interface {
	Stream(ctx context.Context, in model.SynthesisInput) (*schema.StreamReader[string], error)
}

// Config holds the orchestrator policies.
type Config struct {
	MaxHistory    int
	Stateful      bool
	ClosePolicy   model.ClosePolicy
	FailurePolicy model.FailurePolicy
	// StreamTimeout bounds a single request; zero disables the bound.
	StreamTimeout time.Duration
	Catalog       model.Catalog
}

// ConfigFromDesktop maps the environment config onto orchestrator policies.
func ConfigFromDesktop(d model.DesktopConfig) Config {
	return Config{
		MaxHistory:    d.MaxHistory,
		Stateful:      d.Stateful,
		ClosePolicy:   d.ClosePolicy,
		FailurePolicy: d.FailurePolicy,
		StreamTimeout: d.StreamTimeout,
		Catalog:       model.DefaultCatalog,
	}
}

// session is the mutable record behind model.Session. It is owned by the
// orchestrator and only touched with mu held.
type session struct {
	id           string
	app          *model.AppDefinition
	phase        model.Phase
	markup       string
	loading      bool
	errMsg       string
	history      []model.InteractionEvent
	path         model.NavigationPath
	key          string
	settingsOpen bool
	// done is closed once the request issued for the current epoch settles.
	done chan struct{}
}

// Orchestrator is the view synthesis state machine.
type Orchestrator struct {
	source Source
	cache  viewcache.Store
	cfg    Config

	mu         sync.Mutex
	s          session
	epoch      uint64
	revision   uint64
	maxHistory int
	stateful   bool
	listeners  map[int]func(model.Session)
	nextSubID  int
}

// New builds an orchestrator in the Idle state.
func New(source Source, cache viewcache.Store, cfg Config) (*Orchestrator, error) {
	if source == nil {
		return nil, errx.Configuration(errors.New("content source is nil"))
	}
	if cache == nil {
		cache = viewcache.NewMemoryStore()
	}
	if err := history.ValidateMaxLength(cfg.MaxHistory); err != nil {
		return nil, err
	}
	if cfg.ClosePolicy == "" {
		cfg.ClosePolicy = model.CloseInBand
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = model.FailureReplace
	}
	if cfg.Catalog == nil {
		cfg.Catalog = model.DefaultCatalog
	}
	return &Orchestrator{
		source:     source,
		cache:      cache,
		cfg:        cfg,
		s:          session{phase: model.PhaseIdle},
		maxHistory: cfg.MaxHistory,
		stateful:   cfg.Stateful,
		listeners:  map[int]func(model.Session){},
	}, nil
}

// OpenApplication starts a fresh session for app, served from the cache when possible.
func (o *Orchestrator) OpenApplication(ctx context.Context, app model.AppDefinition) error {
	o.mu.Lock()
	o.epoch++
	o.s = session{
		id:      uuid.NewString(),
		app:     &app,
		history: history.Truncate([]model.InteractionEvent{model.OpenEvent(app)}, o.maxHistory),
		path:    model.NavigationPath{app.ID},
	}
	o.s.key = viewcache.KeyFor(o.s.path)

	logx.Debug().
		Str("session_id", o.s.id).
		Str("app_id", app.ID).
		Uint64("epoch", o.epoch).
		Msg("Opening application")

	err := o.load(ctx)
	snap := o.commit()
	o.mu.Unlock()

	o.notify(snap)
	return err
}

// OpenApplicationByID resolves id in the catalog and opens it.
func (o *Orchestrator) OpenApplicationByID(ctx context.Context, id string) error {
	app, ok := o.cfg.Catalog.Lookup(id)
	if !ok {
		return errx.Validation("unknown application %q", id)
	}
	return o.OpenApplication(ctx, app)
}

// HandleInteraction records event and produces the next view.
func (o *Orchestrator) HandleInteraction(ctx context.Context, event model.InteractionEvent) error {
	if event.ID == "" {
		return errx.Validation("interaction id is required")
	}

	o.mu.Lock()
	if event.IsClose() && o.cfg.ClosePolicy == model.CloseInBand {
		o.closeLocked()
		snap := o.commit()
		o.mu.Unlock()
		o.notify(snap)
		return nil
	}

	o.epoch++
	o.s.history = history.Record(o.s.history, event, o.maxHistory)
	if o.s.app != nil {
		o.s.path = o.s.path.Extend(event.ID)
	} else {
		o.s.path = model.NavigationPath{event.ID}
	}
	o.s.key = viewcache.KeyFor(o.s.path)
	o.s.markup = ""
	o.s.errMsg = ""
	if o.s.id == "" {
		o.s.id = uuid.NewString()
	}

	logx.Debug().
		Str("session_id", o.s.id).
		Str("interaction_id", event.ID).
		Str("interaction_type", event.Kind).
		Str("cache_key", o.s.key).
		Uint64("epoch", o.epoch).
		Msg("Handling interaction")

	err := o.load(ctx)
	snap := o.commit()
	o.mu.Unlock()

	o.notify(snap)
	return err
}

// CloseApplication returns to the desktop. Cached views are kept.
func (o *Orchestrator) CloseApplication(ctx context.Context) {
	o.mu.Lock()
	o.closeLocked()
	snap := o.commit()
	o.mu.Unlock()
	o.notify(snap)
}

// ToggleSettings opens or closes the settings panel. Opening hides the active
// app; closing returns to a fresh desktop.
func (o *Orchestrator) ToggleSettings(ctx context.Context) bool {
	o.mu.Lock()
	opening := !o.s.settingsOpen
	if opening {
		o.epoch++
		o.s.app = nil
		o.s.phase = model.PhaseIdle
		o.s.loading = false
		o.s.markup = ""
		o.s.errMsg = ""
		o.s.done = nil
		o.s.settingsOpen = true
	} else {
		o.closeLocked()
	}
	snap := o.commit()
	o.mu.Unlock()
	o.notify(snap)
	return opening
}

// SetMaxHistoryLength changes the history bound, truncating the current log.
// Values outside [0,10] are rejected and leave everything unchanged.
func (o *Orchestrator) SetMaxHistoryLength(n int) error {
	if err := history.ValidateMaxLength(n); err != nil {
		return err
	}
	o.mu.Lock()
	o.maxHistory = n
	o.s.history = history.Truncate(o.s.history, n)
	snap := o.commit()
	o.mu.Unlock()
	o.notify(snap)
	return nil
}

// SetStatefulness toggles view caching. Disabling clears the cache; enabling
// does not back-fill it.
func (o *Orchestrator) SetStatefulness(ctx context.Context, enabled bool) error {
	o.mu.Lock()
	o.stateful = enabled
	var err error
	if !enabled {
		if cerr := o.cache.Clear(ctx); cerr != nil {
			logx.Error().Err(cerr).Msg("Failed to clear view cache")
			err = fmt.Errorf("clear view cache: %w", cerr)
		} else {
			logx.Debug().Msg("Statefulness disabled, view cache cleared")
		}
	}
	snap := o.commit()
	o.mu.Unlock()
	o.notify(snap)
	return err
}

// ApplySettings applies the settings form: a text history length and the
// statefulness checkbox. Invalid length input changes nothing.
func (o *Orchestrator) ApplySettings(ctx context.Context, lengthInput string, stateful bool) error {
	n, err := history.ParseMaxLength(lengthInput)
	if err != nil {
		return err
	}
	if err := o.SetMaxHistoryLength(n); err != nil {
		return err
	}
	if stateful != o.Stateful() {
		return o.SetStatefulness(ctx, stateful)
	}
	return nil
}

// MaxHistoryLength returns the current history bound.
func (o *Orchestrator) MaxHistoryLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxHistory
}

// Stateful reports whether view caching is enabled.
func (o *Orchestrator) Stateful() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateful
}

// Snapshot returns a copy of the current session.
func (o *Orchestrator) Snapshot() model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// Snapshots may arrive from stream goroutines; use Revision to order them.
func (o *Orchestrator) Subscribe(fn func(model.Session)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Wait blocks until the request for the current session settles or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		done := o.s.done
		o.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
			o.mu.Lock()
			same := o.s.done == done
			o.mu.Unlock()
			if same {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) closeLocked() {
	o.epoch++
	logx.Debug().Str("session_id", o.s.id).Uint64("epoch", o.epoch).Msg("Closing application")
	o.s = session{phase: model.PhaseIdle}
}

// load serves the current key from the cache or issues a request. mu must be held.
func (o *Orchestrator) load(ctx context.Context) error {
	if o.stateful {
		markup, ok, err := o.cache.Get(ctx, o.s.key)
		if err != nil {
			logx.Warn().Err(err).Str("cache_key", o.s.key).Msg("View cache read failed, requesting new view")
		} else if ok && markup != "" {
			o.s.markup = markup
			o.s.loading = false
			o.s.phase = model.PhaseReady
			o.s.done = nil
			logx.Debug().Str("cache_key", o.s.key).Msg("Serving view from cache")
			return nil
		}
	}
	return o.request(ctx)
}

// request starts a stream bound to the current epoch. mu must be held.
func (o *Orchestrator) request(ctx context.Context) error {
	if len(o.s.history) == 0 {
		o.s.loading = false
		o.s.phase = model.PhaseFailed
		o.s.errMsg = errx.EmptyInputMessage
		o.s.done = nil
		return errx.EmptyInput()
	}

	in := model.SynthesisInput{
		RequestID:  uuid.NewString(),
		History:    history.Truncate(o.s.history, len(o.s.history)),
		MaxHistory: o.maxHistory,
	}
	done := make(chan struct{})
	o.s.loading = true
	o.s.phase = model.PhaseRequesting
	o.s.done = done

	go o.consume(ctx, o.epoch, in, done)
	return nil
}

// consume drains one stream, applying fragments while its epoch is current.
func (o *Orchestrator) consume(ctx context.Context, token uint64, in model.SynthesisInput, done chan struct{}) {
	defer close(done)

	// the request outlives the call that issued it, but not the caller's values
	ctx = context.WithoutCancel(ctx)
	if o.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StreamTimeout)
		defer cancel()
	}

	start := time.Now()
	logger := logx.With().Str("request_id", in.RequestID).Uint64("epoch", token).Logger()
	logger.Debug().Int("history_len", len(in.History)).Msg("Requesting view")

	sr, err := o.source.Stream(ctx, in)
	if err != nil {
		o.fail(ctx, token, 0, err)
		return
	}
	defer sr.Close()

	received := 0
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			if o.apply(ctx, token, o.completeLocked) {
				logger.Debug().Int("fragments", received).Dur("elapsed", time.Since(start)).Msg("View ready")
			}
			return
		}
		if err != nil {
			o.fail(ctx, token, received, err)
			return
		}
		if chunk == "" {
			continue
		}
		if !o.apply(ctx, token, func() { o.s.markup += chunk }) {
			logger.Debug().Int("fragments", received).Msg("Dropping fragments of superseded request")
			return
		}
		received++
	}
}

func (o *Orchestrator) completeLocked() {
	o.s.loading = false
	o.s.phase = model.PhaseReady
}

func (o *Orchestrator) fail(ctx context.Context, token uint64, received int, cause error) {
	if ctx.Err() != nil && errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("stream timed out after %s: %w", o.cfg.StreamTimeout, cause)
	}
	terr := errx.Transport(cause)
	applied := o.apply(ctx, token, func() {
		o.s.loading = false
		o.s.phase = model.PhaseFailed
		o.s.errMsg = errx.TransportErrorMessage
		if received == 0 || o.cfg.FailurePolicy == model.FailureReplace {
			o.s.markup = DiagnosticFragment
		}
	})
	if applied {
		logx.Error().Err(terr).Uint64("epoch", token).Int("fragments", received).Msg("View synthesis failed")
	}
}

// apply runs fn under the lock when token is still the current epoch.
func (o *Orchestrator) apply(ctx context.Context, token uint64, fn func()) bool {
	o.mu.Lock()
	if token != o.epoch {
		o.mu.Unlock()
		return false
	}
	fn()
	o.syncCacheLocked(ctx)
	snap := o.commit()
	o.mu.Unlock()
	o.notify(snap)
	return true
}

// commit bumps the revision and returns a snapshot for listeners. mu must be held.
func (o *Orchestrator) commit() model.Session {
	o.revision++
	return o.snapshotLocked()
}

// syncCacheLocked writes completed markup back when it differs from the cache.
// It runs only when a stream result is applied, never on unrelated state changes.
func (o *Orchestrator) syncCacheLocked(ctx context.Context) {
	if !o.stateful || o.s.loading || o.s.phase != model.PhaseReady || len(o.s.path) == 0 || o.s.markup == "" {
		return
	}
	wrote, err := viewcache.PutIfChanged(ctx, o.cache, o.s.key, o.s.markup)
	if err != nil {
		logx.Warn().Err(err).Str("cache_key", o.s.key).Msg("Failed to write view cache")
		return
	}
	if wrote {
		logx.Debug().Str("cache_key", o.s.key).Int("bytes", len(o.s.markup)).Msg("Cached view")
	}
}

func (o *Orchestrator) snapshotLocked() model.Session {
	snap := model.Session{
		ID:           o.s.id,
		Revision:     o.revision,
		Phase:        o.s.phase,
		Markup:       o.s.markup,
		Loading:      o.s.loading,
		Error:        o.s.errMsg,
		History:      history.Truncate(o.s.history, len(o.s.history)),
		Path:         o.s.path.Clone(),
		CacheKey:     o.s.key,
		SettingsOpen: o.s.settingsOpen,
		MaxHistory:   o.maxHistory,
		Stateful:     o.stateful,
	}
	switch {
	case o.s.settingsOpen:
		snap.Title = model.SettingsTitle
	case o.s.app != nil:
		app := *o.s.app
		snap.App = &app
		snap.Title = app.Name
	default:
		snap.Title = model.DesktopTitle
	}
	return snap
}

func (o *Orchestrator) notify(snap model.Session) {
	o.mu.Lock()
	fns := make([]func(model.Session), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
