package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/tahoe-os/server/internal/desktop/graph/conversations"
)

//go:embed template/view_system.txt
var viewSystemPrompt string

//go:embed template/view_request.txt
var viewRequestPrompt string

// RenderView renders the system and request messages for one view synthesis
// through the Eino prompt component so prompt callbacks fire.
func RenderView(ctx context.Context, ic conversations.InteractionContext, maxHistory int) ([]*schema.Message, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(viewSystemPrompt),
		schema.UserMessage(viewRequestPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"MaxHistory": maxHistory,
		"Current":    ic.Current,
		"AppContext": ic.AppContext,
		"Previous":   ic.Previous,
		"Grounded":   ic.Grounded,
	})
	if err != nil {
		return nil, fmt.Errorf("view prompt render: %w", err)
	}
	if len(msgs) != 2 || msgs[0] == nil || msgs[1] == nil {
		return nil, fmt.Errorf("view prompt render: unexpected result")
	}
	return msgs, nil
}
