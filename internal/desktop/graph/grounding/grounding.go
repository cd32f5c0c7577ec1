// Package grounding streams views for apps that answer with live web results.
// It talks to the Gemini SDK directly because search grounding metadata is
// not surfaced through the chat model abstraction.
package grounding

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/net/html"
	"google.golang.org/genai"

	"github.com/tahoe-os/server/internal/desktop/model"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// GenerateStream matches genai's Models.GenerateContentStream.
type GenerateStream func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Streamer produces a grounded view as a string stream.
type Streamer struct {
	generate GenerateStream
	config   model.ViewModelConfig
}

func NewStreamer(client *genai.Client, config model.ViewModelConfig) *Streamer {
	return &Streamer{generate: client.Models.GenerateContentStream, config: config}
}

// NewStreamerFunc builds a Streamer over any generate function.
func NewStreamerFunc(generate GenerateStream, config model.ViewModelConfig) *Streamer {
	return &Streamer{generate: generate, config: config}
}

// Stream sends msgs with the Google Search tool enabled. Text parts are
// forwarded as they arrive; the first grounding metadata carrying web sources
// is rendered once as a trailing references fragment.
func (s *Streamer) Stream(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[string], error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.config.Temperature),
		MaxOutputTokens: int32(s.config.MaxTokens),
		Tools:           []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	var contents []*genai.Content
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.System:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case schema.Assistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("grounded request has no content")
	}

	seq := s.generate(ctx, s.config.Model, contents, cfg)
	sr, sw := schema.Pipe[string](16)
	go func() {
		defer sw.Close()
		referenced := false
		var usage *genai.GenerateContentResponseUsageMetadata
		for resp, err := range seq {
			if err != nil {
				sw.Send("", err)
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = resp.UsageMetadata
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]
			if text := candidateText(cand); text != "" {
				if closed := sw.Send(text, nil); closed {
					return
				}
			}
			if referenced {
				continue
			}
			if block := References(cand.GroundingMetadata); block != "" {
				referenced = true
				if closed := sw.Send(block, nil); closed {
					return
				}
			}
		}
		if usage != nil {
			logx.Debug().
				Str("model", s.config.Model).
				Int32("prompt_tokens", usage.PromptTokenCount).
				Int32("completion_tokens", usage.CandidatesTokenCount).
				Bool("referenced", referenced).
				Msg("Grounded view complete")
		}
	}()
	return sr, nil
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// References renders the web sources of md as a markup block, or "" when md
// carries none.
func References(md *genai.GroundingMetadata) string {
	if md == nil {
		return ""
	}
	var links strings.Builder
	for _, c := range md.GroundingChunks {
		if c == nil || c.Web == nil || c.Web.URI == "" {
			continue
		}
		title := c.Web.Title
		if title == "" {
			title = c.Web.URI
		}
		fmt.Fprintf(&links, `<a href="%s" target="_blank" class="text-blue-600 underline block text-xs mt-1">%s</a>`,
			html.EscapeString(c.Web.URI), html.EscapeString(title))
	}
	if links.Len() == 0 {
		return ""
	}
	return `<div class="mt-8 p-4 bg-gray-50 border-t border-gray-200"><p class="text-[10px] font-bold text-gray-400 uppercase tracking-widest mb-2">Sources from the web</p>` +
		links.String() + `</div>`
}
