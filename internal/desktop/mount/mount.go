// Package mount binds generated markup into a live document tree, re-arms the
// scripts it carries and turns clicks inside it into interaction events.
//
// The contract with generated content is four attributes:
//
//	data-interaction-id     marks an element as interactive (required)
//	data-interaction-type   interaction kind, defaults to "generic_click"
//	data-interaction-value  literal value carried by the element
//	data-value-from         id of an element whose current value is captured
package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/sanitize"
	logx "github.com/tahoe-os/server/pkg/logger"
)

const (
	AttrInteractionID    = "data-interaction-id"
	AttrInteractionType  = "data-interaction-type"
	AttrInteractionValue = "data-interaction-value"
	AttrValueFrom        = "data-value-from"
)

// Interactor receives events captured by the mount.
type Interactor func(model.InteractionEvent)

// Mount owns one container element and everything rendered inside it.
type Mount struct {
	executor Executor
	onEvent  Interactor

	mu         sync.Mutex
	root       *html.Node
	appContext string
	rendered   string
	// processed is the sanitized markup whose scripts last ran; hasProcessed
	// is false while loading so completion always triggers a run.
	processed    string
	hasProcessed bool
	revision     uint64
}

// Option customises a Mount.
type Option func(*Mount)

// WithExecutor replaces the default logging executor.
func WithExecutor(e Executor) Option {
	return func(m *Mount) { m.executor = e }
}

// WithInteractor sets the receiver of captured interactions.
func WithInteractor(fn Interactor) Option {
	return func(m *Mount) { m.onEvent = fn }
}

// New creates an empty mount whose container is a <div> inside its own document.
func New(opts ...Option) *Mount {
	doc := &html.Node{Type: html.DocumentNode}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div,
		Attr: []html.Attribute{{Key: "class", Val: "w-full h-full overflow-y-auto"}}}
	doc.AppendChild(body)
	body.AppendChild(root)

	m := &Mount{root: root, executor: LogExecutor{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the container element.
func (m *Mount) Root() *html.Node {
	return m.root
}

// SetAppContext sets the application id stamped on captured events.
func (m *Mount) SetAppContext(appContext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appContext = appContext
}

// Render sanitizes markup and binds it into the container. Scripts are re-armed
// only once loading is over and only when the sanitized markup changed since
// they last ran. It returns the number of scripts executed.
func (m *Mount) Render(ctx context.Context, markup string, loading bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderLocked(ctx, markup, loading)
}

func (m *Mount) renderLocked(ctx context.Context, markup string, loading bool) (int, error) {
	clean := sanitize.Sanitize(markup)

	if clean != m.rendered {
		nodes, err := html.ParseFragment(strings.NewReader(clean), m.root)
		if err != nil {
			return 0, fmt.Errorf("parse generated markup: %w", err)
		}
		for c := m.root.FirstChild; c != nil; {
			next := c.NextSibling
			m.root.RemoveChild(c)
			c = next
		}
		for _, n := range nodes {
			m.root.AppendChild(n)
		}
		m.rendered = clean
	}

	if loading {
		m.hasProcessed = false
		return 0, nil
	}
	if m.hasProcessed && clean == m.processed {
		return 0, nil
	}

	ran := m.rearmScripts(ctx)
	m.processed = clean
	m.hasProcessed = true
	return ran, nil
}

// Sync renders a session snapshot. Older revisions than the last applied one are ignored.
func (m *Mount) Sync(ctx context.Context, s model.Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Revision != 0 && s.Revision < m.revision {
		return 0, nil
	}
	m.revision = s.Revision
	if s.App != nil {
		m.appContext = s.App.ID
	} else {
		m.appContext = ""
	}
	return m.renderLocked(ctx, s.Markup, s.Loading)
}

// Click dispatches a click on target. It walks from target up to the container
// looking for an interaction marker and, when found, builds and forwards the event.
func (m *Mount) Click(target *html.Node) (model.InteractionEvent, bool) {
	m.mu.Lock()
	el := m.interactiveAncestor(target)
	if el == nil {
		m.mu.Unlock()
		return model.InteractionEvent{}, false
	}
	event := m.buildEvent(el)
	onEvent := m.onEvent
	m.mu.Unlock()

	// forwarded outside the lock: the receiver usually re-renders this mount
	if onEvent != nil {
		onEvent(event)
	}
	return event, true
}

// ClickByID clicks the element with the given id attribute.
func (m *Mount) ClickByID(id string) (model.InteractionEvent, bool) {
	n := m.GetElementByID(id)
	if n == nil {
		return model.InteractionEvent{}, false
	}
	return m.Click(n)
}

// GetElementByID searches the whole document the container belongs to.
func (m *Mount) GetElementByID(id string) *html.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return findByID(documentOf(m.root), id)
}

// SetValue simulates typing into a form control.
func (m *Mount) SetValue(id, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := findByID(documentOf(m.root), id)
	if n == nil {
		return fmt.Errorf("no element with id %q", id)
	}
	if n.DataAtom == atom.Textarea {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
		return nil
	}
	setAttr(n, "value", value)
	return nil
}

// HTML renders the container's current children.
func (m *Mount) HTML() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for c := m.root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// interactiveAncestor returns the nearest marked element between n and the
// container. Targets outside the container never match.
func (m *Mount) interactiveAncestor(n *html.Node) *html.Node {
	var found *html.Node
	for ; n != nil; n = n.Parent {
		if n == m.root {
			return found
		}
		if found == nil && n.Type == html.ElementNode && attr(n, AttrInteractionID) != "" {
			found = n
		}
	}
	return nil
}

func (m *Mount) buildEvent(el *html.Node) model.InteractionEvent {
	value, _ := attrOK(el, AttrInteractionValue)
	if ref := attr(el, AttrValueFrom); ref != "" {
		if input := findByID(documentOf(m.root), ref); input != nil {
			value = controlValue(input)
		}
	}

	kind := attr(el, AttrInteractionType)
	if kind == "" {
		kind = model.KindGenericClick
	}

	text := innerText(el)
	if strings.TrimSpace(text) == "" {
		text = attr(el, "value")
	}

	return model.InteractionEvent{
		ID:          attr(el, AttrInteractionID),
		Kind:        kind,
		ElementType: strings.ToLower(el.Data),
		ElementText: model.Excerpt(text, model.MaxElementText),
		Value:       value,
		AppContext:  m.appContext,
	}
}

// Bind connects a mount to a session source: snapshots are rendered and
// captured clicks are forwarded to handle. Handler errors are logged.
func Bind(ctx context.Context, m *Mount, subscribe func(func(model.Session)) func(), handle func(context.Context, model.InteractionEvent) error) (unbind func()) {
	m.mu.Lock()
	m.onEvent = func(e model.InteractionEvent) {
		if err := handle(ctx, e); err != nil {
			logx.Warn().Err(err).Str("interaction_id", e.ID).Msg("Interaction was not accepted")
		}
	}
	m.mu.Unlock()

	return subscribe(func(s model.Session) {
		if _, err := m.Sync(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
			logx.Error().Err(err).Str("session_id", s.ID).Msg("Failed to render session")
		}
	})
}
