package grounding

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/tahoe-os/server/internal/desktop/model"
)

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: parts}}},
	}
}

func withSources(resp *genai.GenerateContentResponse, chunks ...*genai.GroundingChunk) *genai.GenerateContentResponse {
	resp.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{GroundingChunks: chunks}
	return resp
}

func web(uri, title string) *genai.GroundingChunk {
	return &genai.GroundingChunk{Web: &genai.GroundingChunkWeb{URI: uri, Title: title}}
}

func responses(items []*genai.GenerateContentResponse, tail error) GenerateStream {
	return func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, r := range items {
				if !yield(r, nil) {
					return
				}
			}
			if tail != nil {
				yield(nil, tail)
			}
		}
	}
}

func drain(t *testing.T, sr *schema.StreamReader[string]) ([]string, error) {
	t.Helper()
	defer sr.Close()
	var out []string
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
}

var prompt = []*schema.Message{schema.SystemMessage("be a browser"), schema.UserMessage("search golang")}

func TestStreamForwardsTextAndReferencesOnce(t *testing.T) {
	var gotCfg *genai.GenerateContentConfig
	var gotContents []*genai.Content
	items := []*genai.GenerateContentResponse{
		textResponse(&genai.Part{Text: "thinking", Thought: true}, &genai.Part{Text: "<div>"}),
		withSources(textResponse(&genai.Part{Text: "results"}), web("https://go.dev/?a=1&b=2", "The Go <Programming> Language"), &genai.GroundingChunk{}),
		withSources(textResponse(&genai.Part{Text: "</div>"}), web("https://example.com", "")),
	}
	gen := responses(items, nil)
	s := NewStreamerFunc(func(ctx context.Context, m string, c []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		gotCfg, gotContents = cfg, c
		return gen(ctx, m, c, cfg)
	}, model.ViewModelConfig{Model: "gemini-test", MaxTokens: 100, Temperature: 0.5})

	sr, err := s.Stream(context.Background(), prompt)
	require.NoError(t, err)
	out, err := drain(t, sr)
	require.NoError(t, err)

	require.Len(t, out, 4)
	assert.Equal(t, "<div>", out[0])
	assert.Equal(t, "results", out[1])
	assert.Contains(t, out[2], "Sources from the web")
	assert.Contains(t, out[2], `href="https://go.dev/?a=1&amp;b=2"`)
	assert.Contains(t, out[2], "The Go &lt;Programming&gt; Language")
	assert.NotContains(t, out[2], "example.com")
	assert.Equal(t, "</div>", out[3])

	require.NotNil(t, gotCfg)
	require.Len(t, gotCfg.Tools, 1)
	assert.NotNil(t, gotCfg.Tools[0].GoogleSearch)
	assert.Equal(t, int32(100), gotCfg.MaxOutputTokens)
	require.NotNil(t, gotCfg.SystemInstruction)
	assert.Equal(t, "be a browser", gotCfg.SystemInstruction.Parts[0].Text)
	require.Len(t, gotContents, 1)
	assert.Equal(t, "search golang", gotContents[0].Parts[0].Text)
}

func TestStreamPropagatesErrors(t *testing.T) {
	boom := errors.New("quota exceeded")
	s := NewStreamerFunc(responses([]*genai.GenerateContentResponse{textResponse(&genai.Part{Text: "<p>"})}, boom), model.ViewModelConfig{})

	sr, err := s.Stream(context.Background(), prompt)
	require.NoError(t, err)
	out, err := drain(t, sr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"<p>"}, out)
}

func TestStreamRequiresContent(t *testing.T) {
	s := NewStreamerFunc(responses(nil, nil), model.ViewModelConfig{})
	_, err := s.Stream(context.Background(), []*schema.Message{schema.SystemMessage("only system")})
	require.Error(t, err)
}

func TestReferences(t *testing.T) {
	assert.Empty(t, References(nil))
	assert.Empty(t, References(&genai.GroundingMetadata{}))
	assert.Empty(t, References(&genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{{}}}))

	block := References(&genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
		web("https://a.example", "A"),
		web("https://b.example", ""),
	}})
	assert.True(t, strings.HasPrefix(block, `<div class="mt-8`))
	assert.Contains(t, block, `>A</a>`)
	assert.Contains(t, block, `>https://b.example</a>`)
}
