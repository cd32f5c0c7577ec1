// Package graph implements the streaming content source: an Eino graph that
// assembles the view prompt from the interaction history and streams the
// Gemini response, plus a grounded path for apps that search the web.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	errx "github.com/tahoe-os/server/internal/core/error"
	"github.com/tahoe-os/server/internal/desktop/graph/conversations"
	"github.com/tahoe-os/server/internal/desktop/graph/grounding"
	"github.com/tahoe-os/server/internal/desktop/graph/nodes"
	"github.com/tahoe-os/server/internal/desktop/graph/observers"
	desktop "github.com/tahoe-os/server/internal/desktop/model"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// Grounder streams a view for already assembled prompt messages.
type Grounder interface {
	Stream(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[string], error)
}

// Config holds everything needed to build a live Source end to end.
type Config struct {
	APIKey  string
	BaseURL string
	Model   desktop.ViewModelConfig
	Catalog desktop.Catalog
}

// GraphConfig holds the components wired into the view graph.
type GraphConfig struct {
	ChatModel model.BaseChatModel
	Contexts  *conversations.ContextBuilder
}

// GraphBuilder handles the construction of the view synthesis graph.
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[desktop.SynthesisInput, *schema.Message]
}

// SourceConfig assembles a Source from prebuilt parts.
type SourceConfig struct {
	Runnable  compose.Runnable[desktop.SynthesisInput, *schema.Message]
	Contexts  *conversations.ContextBuilder
	Catalog   desktop.Catalog
	Grounder  Grounder
	ModelName string
}

// Source streams generated view markup for a history log.
type Source struct {
	runnable  compose.Runnable[desktop.SynthesisInput, *schema.Message]
	contexts  *conversations.ContextBuilder
	catalog   desktop.Catalog
	grounder  Grounder
	modelName string
	pricing   desktop.Pricing
}

// BuildViewSource creates the Gemini client, the chat model, the graph and the
// grounded streamer. A missing API key is a configuration error.
func BuildViewSource(ctx context.Context, cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errx.Configuration(errors.New("GEMINI_API_KEY is not set"))
	}

	client, err := nodes.NewClient(ctx, nodes.ClientConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, errx.Configuration(err)
	}
	chatModel, err := nodes.NewViewChatModel(ctx, client, cfg.Model)
	if err != nil {
		return nil, errx.Configuration(err)
	}

	contexts := conversations.NewContextBuilder(cfg.Catalog)
	runnable, err := BuildGraph(ctx, &GraphConfig{ChatModel: chatModel, Contexts: contexts})
	if err != nil {
		return nil, err
	}

	logx.Debug().Str("model", cfg.Model.Model).Msg("View graph built successfully")
	return NewSource(SourceConfig{
		Runnable:  runnable,
		Contexts:  contexts,
		Catalog:   cfg.Catalog,
		Grounder:  grounding.NewStreamer(client, cfg.Model),
		ModelName: cfg.Model.Model,
	})
}

// NewSource wraps a compiled view graph. Grounder is optional; without it
// grounded apps go through the graph like any other.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Runnable == nil {
		return nil, fmt.Errorf("view graph runnable is nil")
	}
	if cfg.Contexts == nil {
		cfg.Contexts = conversations.NewContextBuilder(cfg.Catalog)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = desktop.DefaultCatalog
	}
	return &Source{
		runnable:  cfg.Runnable,
		contexts:  cfg.Contexts,
		catalog:   cfg.Catalog,
		grounder:  cfg.Grounder,
		modelName: cfg.ModelName,
		pricing:   desktop.ResolvePricing(cfg.ModelName),
	}, nil
}

// Stream starts generation for in. The returned reader yields markup fragments
// in arrival order and ends with io.EOF, or with the transport error.
func (s *Source) Stream(ctx context.Context, in desktop.SynthesisInput) (*schema.StreamReader[string], error) {
	if len(in.History) == 0 {
		return nil, errx.EmptyInput()
	}

	if s.grounder != nil && s.isGrounded(in.History[0]) {
		msgs, err := nodes.AssemblePrompt(ctx, s.contexts, in)
		if err != nil {
			return nil, err
		}
		logx.Debug().Str("request_id", in.RequestID).Str("app_id", in.History[0].AppContext).Msg("Streaming grounded view")
		return s.grounder.Stream(ctx, msgs)
	}

	out, err := s.runnable.Stream(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return nil, fmt.Errorf("view graph stream: %w", err)
	}
	return s.relay(in.RequestID, out), nil
}

func (s *Source) isGrounded(current desktop.InteractionEvent) bool {
	app, ok := s.catalog.Lookup(current.AppContext)
	return ok && app.Grounded
}

// relay forwards message content as plain fragments and prices the final usage.
func (s *Source) relay(requestID string, src *schema.StreamReader[*schema.Message]) *schema.StreamReader[string] {
	sr, sw := schema.Pipe[string](16)
	go func() {
		defer src.Close()
		defer sw.Close()

		var usage *schema.TokenUsage
		for {
			msg, err := src.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				sw.Send("", err)
				return
			}
			if msg == nil {
				continue
			}
			if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
				usage = msg.ResponseMeta.Usage
			}
			if msg.Content == "" {
				continue
			}
			if closed := sw.Send(msg.Content, nil); closed {
				return
			}
		}

		if usage != nil {
			inC, outC, totalC := desktop.ComputeCost(usage, s.pricing)
			logx.Info().
				Str("request_id", requestID).
				Str("model", s.modelName).
				Int("prompt_tokens", usage.PromptTokens).
				Int("completion_tokens", usage.CompletionTokens).
				Int("total_tokens", usage.TotalTokens).
				Float64("input_cost_usd", inC).
				Float64("output_cost_usd", outC).
				Float64("total_cost_usd", totalC).
				Msg("View usage cost")
		}
	}()
	return sr
}

// BuildGraph constructs and returns the compiled view graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[desktop.SynthesisInput, *schema.Message], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModel == nil {
		return nil, fmt.Errorf("chat model is not initialized")
	}
	if config.Contexts == nil {
		return nil, fmt.Errorf("context builder is nil")
	}

	builder := &GraphBuilder{
		config: config,
		graph:  compose.NewGraph[desktop.SynthesisInput, *schema.Message](),
	}
	if err := builder.addNodes(); err != nil {
		return nil, err
	}
	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	return builder.compile(ctx)
}

func (b *GraphBuilder) addNodes() error {
	if err := b.graph.AddLambdaNode(nodes.NodePromptAssembler, nodes.NewPromptAssemblerNode(b.config.Contexts)); err != nil {
		logx.Error().Err(err).Msg("Error adding prompt assembler node")
		return fmt.Errorf("error adding prompt assembler node: %w", err)
	}
	if err := b.graph.AddChatModelNode(nodes.NodeViewChatModel, b.config.ChatModel); err != nil {
		logx.Error().Err(err).Msg("Error adding view chat model node")
		return fmt.Errorf("error adding view chat model node: %w", err)
	}
	return nil
}

func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodePromptAssembler},
		{nodes.NodePromptAssembler, nodes.NodeViewChatModel},
		{nodes.NodeViewChatModel, compose.END},
	}
	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			logx.Error().Err(err).Str("from", edge[0]).Str("to", edge[1]).Msg("Error adding edge")
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[desktop.SynthesisInput, *schema.Message], error) {
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(10))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
