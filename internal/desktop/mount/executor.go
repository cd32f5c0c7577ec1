package mount

import (
	"context"
	"fmt"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	logx "github.com/tahoe-os/server/pkg/logger"
)

// Script is a freshly created executable unit taken from generated markup.
type Script struct {
	Attr   []html.Attribute
	Source string
	// Node is the new <script> element now living in the mounted tree.
	Node *html.Node
}

// Src returns the external source attribute, if any.
func (s Script) Src() string {
	for _, a := range s.Attr {
		if a.Key == "src" {
			return a.Val
		}
	}
	return ""
}

// Executor runs re-armed scripts. Implementations bridge to whatever engine
// hosts the document.
type Executor interface {
	Execute(ctx context.Context, s Script) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, s Script) error

func (f ExecutorFunc) Execute(ctx context.Context, s Script) error {
	return f(ctx, s)
}

// LogExecutor records scripts without running them.
type LogExecutor struct{}

func (LogExecutor) Execute(_ context.Context, s Script) error {
	logx.Debug().Str("src", s.Src()).Int("bytes", len(s.Source)).Msg("Script armed")
	return nil
}

// rearmScripts replaces every <script> in the container with a fresh copy and
// hands it to the executor. Failures are logged and never stop the mount.
func (m *Mount) rearmScripts(ctx context.Context) int {
	var old []*html.Node
	walk(m.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			old = append(old, n)
		}
		return true
	})

	ran := 0
	for _, o := range old {
		fresh := &html.Node{
			Type:     html.ElementNode,
			Data:     "script",
			DataAtom: atom.Script,
			Attr:     append([]html.Attribute(nil), o.Attr...),
		}
		source := textContent(o)
		if source != "" {
			fresh.AppendChild(&html.Node{Type: html.TextNode, Data: source})
		}
		if o.Parent != nil {
			o.Parent.InsertBefore(fresh, o)
			o.Parent.RemoveChild(o)
		}

		if err := m.execute(ctx, Script{Attr: fresh.Attr, Source: source, Node: fresh}); err != nil {
			logx.Error().Err(err).Msg("Error executing script tag")
			continue
		}
		ran++
	}
	return ran
}

func (m *Mount) execute(ctx context.Context, s Script) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()
	return m.executor.Execute(ctx, s)
}
