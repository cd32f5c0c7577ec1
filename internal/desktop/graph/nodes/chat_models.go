package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/tahoe-os/server/internal/desktop/model"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// ClientConfig holds what is needed to reach the Gemini API.
type ClientConfig struct {
	APIKey  string
	BaseURL string
}

// NewClient creates the Gemini client shared by the chat model and the grounded streamer.
func NewClient(ctx context.Context, config ClientConfig) (*genai.Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}
	return client, nil
}

// NewViewChatModel creates the chat model that writes view markup.
func NewViewChatModel(ctx context.Context, client *genai.Client, config model.ViewModelConfig) (*gemini.ChatModel, error) {
	cfg := &gemini.Config{
		Client:      client,
		Model:       config.Model,
		Temperature: &config.Temperature,
		MaxTokens:   &config.MaxTokens,
	}
	if config.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(config.ThinkingBudget),
		}
	}

	chatModel, err := gemini.NewChatModel(ctx, cfg)
	if err != nil {
		logx.Error().Err(err).Str("model", config.Model).Msg("Error creating view model")
		return nil, fmt.Errorf("error creating view model: %w", err)
	}
	return chatModel, nil
}
