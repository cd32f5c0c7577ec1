package synth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/tahoe-os/server/internal/core/error"
	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/viewcache"
)

// fakeSource records every request and answers with whatever next returns.
type fakeSource struct {
	mu    sync.Mutex
	calls []model.SynthesisInput
	next  func(ctx context.Context, in model.SynthesisInput) (*schema.StreamReader[string], error)
}

func (f *fakeSource) Stream(ctx context.Context, in model.SynthesisInput) (*schema.StreamReader[string], error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	next := f.next
	f.mu.Unlock()
	return next(ctx, in)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) call(i int) model.SynthesisInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func fixed(fragments ...string) func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
	return func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
		return schema.StreamReaderFromArray(fragments), nil
	}
}

// manual hands each request's writer to the test so it controls timing.
func manual(writers chan<- *schema.StreamWriter[string]) func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
	return func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
		sr, sw := schema.Pipe[string](8)
		writers <- sw
		return sr, nil
	}
}

var notes = model.AppDefinition{ID: "notepad_app", Name: "Notes"}

func newTestOrchestrator(t *testing.T, src *fakeSource, cfg Config) (*Orchestrator, *viewcache.MemoryStore) {
	t.Helper()
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = 5
	}
	store := viewcache.NewMemoryStore()
	o, err := New(src, store, cfg)
	require.NoError(t, err)
	return o, store
}

func waitSettled(t *testing.T, o *Orchestrator) model.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
	return o.Snapshot()
}

func click(id string) model.InteractionEvent {
	return model.InteractionEvent{ID: id, Kind: model.KindGenericClick, AppContext: notes.ID}
}

func TestNewRejectsMissingSource(t *testing.T) {
	_, err := New(nil, nil, Config{MaxHistory: 3})
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindConfiguration))
}

func TestOpenApplicationStreamsIntoReady(t *testing.T) {
	src := &fakeSource{next: fixed("<div>", "hello", "</div>")}
	o, _ := newTestOrchestrator(t, src, Config{})

	require.NoError(t, o.OpenApplication(context.Background(), notes))
	snap := waitSettled(t, o)

	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "<div>hello</div>", snap.Markup)
	assert.Equal(t, "Notes", snap.Title)
	assert.Equal(t, model.NavigationPath{"notepad_app"}, snap.Path)
	assert.Equal(t, "notepad_app", snap.CacheKey)
	require.Len(t, snap.History, 1)
	assert.Equal(t, model.KindAppOpen, snap.History[0].Kind)

	require.Equal(t, 1, src.callCount())
	assert.Equal(t, 5, src.call(0).MaxHistory)
	assert.NotEmpty(t, src.call(0).RequestID)
}

func TestStatefulReopenServesFromCache(t *testing.T) {
	src := &fakeSource{next: fixed("<p>C</p>")}
	o, store := newTestOrchestrator(t, src, Config{Stateful: true})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	assert.Equal(t, 1, store.Len())

	o.CloseApplication(ctx)
	assert.Equal(t, model.PhaseIdle, o.Snapshot().Phase)

	require.NoError(t, o.OpenApplication(ctx, notes))
	snap := o.Snapshot()
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "<p>C</p>", snap.Markup)
	assert.Equal(t, 1, src.callCount(), "cache hit must not reach the content source")
}

func TestInteractionServedFromCache(t *testing.T) {
	writers := make(chan *schema.StreamWriter[string], 2)
	src := &fakeSource{next: manual(writers)}
	o, store := newTestOrchestrator(t, src, Config{Stateful: true})
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "notepad_app__a", "<p>cached-a</p>"))

	require.NoError(t, o.OpenApplication(ctx, notes))
	opening := <-writers
	opening.Send("<p>partial</p>", nil)

	require.NoError(t, o.HandleInteraction(ctx, click("a")))
	snap := o.Snapshot()
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "<p>cached-a</p>", snap.Markup)
	assert.Equal(t, "notepad_app__a", snap.CacheKey)
	require.Len(t, snap.History, 2)

	// the superseded open stream keeps talking; nothing of it may land
	opening.Send("<p>stale</p>", nil)
	opening.Close()
	time.Sleep(20 * time.Millisecond)

	snap = waitSettled(t, o)
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "<p>cached-a</p>", snap.Markup)
	assert.Equal(t, 1, src.callCount(), "cache hit must not reach the content source")

	got, ok, err := store.Get(ctx, "notepad_app")
	require.NoError(t, err)
	assert.False(t, ok, "abandoned open stream is never cached, got %q", got)
}

func TestStatelessReopenRequestsAgain(t *testing.T) {
	src := &fakeSource{next: fixed("<p>C</p>")}
	o, store := newTestOrchestrator(t, src, Config{Stateful: false})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	o.CloseApplication(ctx)
	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)

	assert.Equal(t, 2, src.callCount())
	assert.Equal(t, 0, store.Len())
}

func TestInteractionExtendsPathAndHistory(t *testing.T) {
	src := &fakeSource{next: fixed("<div>ok</div>")}
	o, _ := newTestOrchestrator(t, src, Config{MaxHistory: 2})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	require.NoError(t, o.HandleInteraction(ctx, click("new_note")))
	waitSettled(t, o)
	require.NoError(t, o.HandleInteraction(ctx, click("save")))
	snap := waitSettled(t, o)

	assert.Equal(t, model.NavigationPath{"notepad_app", "new_note", "save"}, snap.Path)
	assert.Equal(t, "notepad_app__new_note__save", snap.CacheKey)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "save", snap.History[0].ID)
	assert.Equal(t, "new_note", snap.History[1].ID)

	last := src.call(2)
	require.Len(t, last.History, 2)
	assert.Equal(t, "save", last.History[0].ID)
}

func TestStaleStreamIsDropped(t *testing.T) {
	writers := make(chan *schema.StreamWriter[string], 2)
	src := &fakeSource{next: manual(writers)}
	o, _ := newTestOrchestrator(t, src, Config{})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	old := <-writers
	old.Send("<p>old-1</p>", nil)

	require.NoError(t, o.HandleInteraction(ctx, click("open_folder")))
	fresh := <-writers

	old.Send("<p>old-2</p>", nil)
	old.Close()

	fresh.Send("<p>new-1</p>", nil)
	fresh.Send("<p>new-2</p>", nil)
	fresh.Close()

	snap := waitSettled(t, o)
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.Equal(t, "<p>new-1</p><p>new-2</p>", snap.Markup)
}

func TestLateCompletionOfSupersededStreamDoesNotTouchSession(t *testing.T) {
	writers := make(chan *schema.StreamWriter[string], 2)
	src := &fakeSource{next: manual(writers)}
	o, _ := newTestOrchestrator(t, src, Config{})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	old := <-writers
	require.NoError(t, o.HandleInteraction(ctx, click("next")))
	fresh := <-writers

	// the abandoned stream fails; the new one must stay in flight and clean
	old.Send("", errors.New("connection reset"))
	old.Close()
	time.Sleep(20 * time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, model.PhaseRequesting, snap.Phase)
	assert.True(t, snap.Loading)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Markup)

	fresh.Send("<b>done</b>", nil)
	fresh.Close()
	snap = waitSettled(t, o)
	assert.Equal(t, "<b>done</b>", snap.Markup)
}

func TestFailureBeforeFragmentsShowsDiagnostic(t *testing.T) {
	for _, policy := range []model.FailurePolicy{model.FailureReplace, model.FailureKeepPartial} {
		t.Run(string(policy), func(t *testing.T) {
			src := &fakeSource{next: func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
				sr, sw := schema.Pipe[string](1)
				sw.Send("", errors.New("boom"))
				sw.Close()
				return sr, nil
			}}
			o, store := newTestOrchestrator(t, src, Config{Stateful: true, FailurePolicy: policy})

			require.NoError(t, o.OpenApplication(context.Background(), notes))
			snap := waitSettled(t, o)

			assert.Equal(t, model.PhaseFailed, snap.Phase)
			assert.False(t, snap.Loading)
			assert.Equal(t, DiagnosticFragment, snap.Markup)
			assert.Equal(t, errx.TransportErrorMessage, snap.Error)
			assert.Equal(t, 0, store.Len(), "failed views are never cached")
		})
	}
}

func TestFailureAfterFragmentsFollowsPolicy(t *testing.T) {
	partial := func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
		sr, sw := schema.Pipe[string](2)
		sw.Send("<div>half", nil)
		sw.Send("", errors.New("stream cut"))
		sw.Close()
		return sr, nil
	}

	t.Run("replace", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &fakeSource{next: partial}, Config{FailurePolicy: model.FailureReplace})
		require.NoError(t, o.OpenApplication(context.Background(), notes))
		snap := waitSettled(t, o)
		assert.Equal(t, DiagnosticFragment, snap.Markup)
		assert.Equal(t, model.PhaseFailed, snap.Phase)
	})

	t.Run("keep partial", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &fakeSource{next: partial}, Config{FailurePolicy: model.FailureKeepPartial})
		require.NoError(t, o.OpenApplication(context.Background(), notes))
		snap := waitSettled(t, o)
		assert.Equal(t, "<div>half", snap.Markup)
		assert.Equal(t, model.PhaseFailed, snap.Phase)
		assert.Equal(t, errx.TransportErrorMessage, snap.Error)
	})
}

func TestSourceErrorBeforeStreamFails(t *testing.T) {
	src := &fakeSource{next: func(context.Context, model.SynthesisInput) (*schema.StreamReader[string], error) {
		return nil, errors.New("dial tcp: refused")
	}}
	o, _ := newTestOrchestrator(t, src, Config{})

	require.NoError(t, o.OpenApplication(context.Background(), notes))
	snap := waitSettled(t, o)
	assert.Equal(t, model.PhaseFailed, snap.Phase)
	assert.Equal(t, DiagnosticFragment, snap.Markup)
}

func TestStreamTimeout(t *testing.T) {
	src := &fakeSource{next: func(ctx context.Context, _ model.SynthesisInput) (*schema.StreamReader[string], error) {
		sr, sw := schema.Pipe[string](1)
		go func() {
			<-ctx.Done()
			sw.Send("", ctx.Err())
			sw.Close()
		}()
		return sr, nil
	}}
	o, _ := newTestOrchestrator(t, src, Config{StreamTimeout: 20 * time.Millisecond})

	require.NoError(t, o.OpenApplication(context.Background(), notes))
	snap := waitSettled(t, o)
	assert.Equal(t, model.PhaseFailed, snap.Phase)
	assert.Equal(t, errx.TransportErrorMessage, snap.Error)
}

func TestSetMaxHistoryLengthValidation(t *testing.T) {
	src := &fakeSource{next: fixed("<i>x</i>")}
	o, _ := newTestOrchestrator(t, src, Config{MaxHistory: 4})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	require.NoError(t, o.HandleInteraction(ctx, click("a")))
	waitSettled(t, o)
	before := o.Snapshot().History

	for _, n := range []int{-1, 11} {
		err := o.SetMaxHistoryLength(n)
		require.Error(t, err)
		assert.True(t, errx.IsKind(err, errx.KindValidation))
		assert.Equal(t, 4, o.MaxHistoryLength())
		assert.Equal(t, before, o.Snapshot().History)
	}

	require.NoError(t, o.SetMaxHistoryLength(1))
	after := o.Snapshot().History
	require.Len(t, after, 1)
	assert.Equal(t, "a", after[0].ID)
}

func TestApplySettings(t *testing.T) {
	src := &fakeSource{next: fixed("<i>x</i>")}
	o, store := newTestOrchestrator(t, src, Config{MaxHistory: 5, Stateful: true})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	require.Equal(t, 1, store.Len())

	err := o.ApplySettings(ctx, "twelve", false)
	require.Error(t, err)
	assert.Equal(t, 5, o.MaxHistoryLength())
	assert.True(t, o.Stateful(), "invalid input must not apply the checkbox either")
	assert.Equal(t, 1, store.Len())

	require.NoError(t, o.ApplySettings(ctx, "3", false))
	assert.Equal(t, 3, o.MaxHistoryLength())
	assert.False(t, o.Stateful())
	assert.Equal(t, 0, store.Len())
}

func TestSetStatefulnessDoesNotBackfill(t *testing.T) {
	src := &fakeSource{next: fixed("<i>x</i>")}
	o, store := newTestOrchestrator(t, src, Config{})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	require.NoError(t, o.SetStatefulness(ctx, true))
	assert.Equal(t, 0, store.Len())

	// unrelated state changes must not write the view finished while stateless
	require.NoError(t, o.SetMaxHistoryLength(4))
	assert.Equal(t, 0, store.Len())
	o.ToggleSettings(ctx)
	o.ToggleSettings(ctx)
	assert.Equal(t, 0, store.Len())

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)
	require.Equal(t, 1, store.Len())

	// the next completed view is cached
	require.NoError(t, o.HandleInteraction(ctx, click("a")))
	waitSettled(t, o)
	assert.Equal(t, 2, store.Len())
}

func TestSetStatefulnessNotifiesSubscribers(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSource{next: fixed("<i/>")}, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []model.Session
	defer o.Subscribe(func(s model.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})()

	before := o.Snapshot().Revision
	require.NoError(t, o.SetStatefulness(ctx, true))
	require.NoError(t, o.SetStatefulness(ctx, false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Stateful)
	assert.Greater(t, seen[0].Revision, before)
	assert.False(t, seen[1].Stateful)
	assert.Greater(t, seen[1].Revision, seen[0].Revision)
}

func TestClosePolicy(t *testing.T) {
	closeEvent := model.InteractionEvent{ID: model.CloseControlID, Kind: model.KindGenericClick, AppContext: notes.ID}

	t.Run("in band", func(t *testing.T) {
		src := &fakeSource{next: fixed("<i>x</i>")}
		o, _ := newTestOrchestrator(t, src, Config{ClosePolicy: model.CloseInBand})
		ctx := context.Background()
		require.NoError(t, o.OpenApplication(ctx, notes))
		waitSettled(t, o)

		require.NoError(t, o.HandleInteraction(ctx, closeEvent))
		snap := o.Snapshot()
		assert.Equal(t, model.PhaseIdle, snap.Phase)
		assert.Nil(t, snap.App)
		assert.Empty(t, snap.History)
		assert.Empty(t, snap.Path)
		assert.Empty(t, snap.Markup)
		assert.Equal(t, model.DesktopTitle, snap.Title)
		assert.Equal(t, 1, src.callCount())
	})

	t.Run("shell", func(t *testing.T) {
		src := &fakeSource{next: fixed("<i>x</i>")}
		o, _ := newTestOrchestrator(t, src, Config{ClosePolicy: model.CloseShell})
		ctx := context.Background()
		require.NoError(t, o.OpenApplication(ctx, notes))
		waitSettled(t, o)

		require.NoError(t, o.HandleInteraction(ctx, closeEvent))
		snap := waitSettled(t, o)
		assert.Equal(t, model.PhaseReady, snap.Phase)
		assert.Equal(t, model.NavigationPath{"notepad_app", model.CloseControlID}, snap.Path)
		assert.Equal(t, 2, src.callCount())
	})
}

func TestZeroHistoryRejectsRequest(t *testing.T) {
	src := &fakeSource{next: fixed("<i>x</i>")}
	o, err := New(src, nil, Config{MaxHistory: 0})
	require.NoError(t, err)

	err = o.OpenApplication(context.Background(), notes)
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindEmptyInput))

	snap := o.Snapshot()
	assert.Equal(t, errx.EmptyInputMessage, snap.Error)
	assert.False(t, snap.Loading)
	assert.Equal(t, 0, src.callCount())
}

func TestHandleInteractionRequiresID(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSource{next: fixed()}, Config{})
	err := o.HandleInteraction(context.Background(), model.InteractionEvent{Kind: "x"})
	assert.True(t, errx.IsKind(err, errx.KindValidation))
}

func TestSettingsPanelTitleAndReset(t *testing.T) {
	src := &fakeSource{next: fixed("<i>x</i>")}
	o, _ := newTestOrchestrator(t, src, Config{})
	ctx := context.Background()

	require.NoError(t, o.OpenApplication(ctx, notes))
	waitSettled(t, o)

	assert.True(t, o.ToggleSettings(ctx))
	snap := o.Snapshot()
	assert.Equal(t, model.SettingsTitle, snap.Title)
	assert.Nil(t, snap.App)
	assert.Empty(t, snap.Markup)

	assert.False(t, o.ToggleSettings(ctx))
	snap = o.Snapshot()
	assert.Equal(t, model.DesktopTitle, snap.Title)
	assert.Empty(t, snap.History)
}

func TestSubscribeReceivesRevisions(t *testing.T) {
	src := &fakeSource{next: fixed("<a>", "b", "</a>")}
	o, _ := newTestOrchestrator(t, src, Config{})

	var mu sync.Mutex
	var revs []uint64
	var last model.Session
	unsubscribe := o.Subscribe(func(s model.Session) {
		mu.Lock()
		defer mu.Unlock()
		revs = append(revs, s.Revision)
		if s.Revision > last.Revision {
			last = s
		}
	})
	defer unsubscribe()

	require.NoError(t, o.OpenApplication(context.Background(), notes))
	waitSettled(t, o)

	mu.Lock()
	defer mu.Unlock()
	// open, three fragments, completion
	assert.Len(t, revs, 5)
	assert.Equal(t, "<a>b</a>", last.Markup)
	assert.False(t, last.Loading)
}

func TestOpenApplicationByID(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSource{next: fixed("<i/>")}, Config{})
	ctx := context.Background()

	require.NoError(t, o.OpenApplicationByID(ctx, "calculator_app"))
	assert.Equal(t, "Calculator", waitSettled(t, o).Title)

	err := o.OpenApplicationByID(ctx, "solitaire")
	assert.True(t, errx.IsKind(err, errx.KindValidation))
}
