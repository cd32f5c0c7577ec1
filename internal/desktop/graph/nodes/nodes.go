package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/tahoe-os/server/internal/desktop/graph/conversations"
	"github.com/tahoe-os/server/internal/desktop/graph/prompts"
	"github.com/tahoe-os/server/internal/desktop/model"
)

const (
	NodePromptAssembler = "PromptAssembler"
	NodeViewChatModel   = "ViewChatModel"
)

// AssemblePrompt builds the messages sent to the model for one request.
func AssemblePrompt(ctx context.Context, cb *conversations.ContextBuilder, in model.SynthesisInput) ([]*schema.Message, error) {
	ic, err := cb.Build(in.History, in.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("error building interaction context: %w", err)
	}
	msgs, err := prompts.RenderView(ctx, ic, in.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("render view prompt: %w", err)
	}
	return msgs, nil
}

// NewPromptAssemblerNode creates the lambda that turns a history log into model input.
func NewPromptAssemblerNode(cb *conversations.ContextBuilder) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.SynthesisInput) ([]*schema.Message, error) {
		return AssemblePrompt(ctx, cb, in)
	})
}
