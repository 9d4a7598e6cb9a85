package langchain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply string
	err   error

	prompt string
	opts   llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, o := range options {
		o(&m.opts)
	}
	if len(messages) > 0 && len(messages[0].Parts) > 0 {
		if text, ok := messages[0].Parts[0].(llms.TextContent); ok {
			m.prompt = text.Text
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestClient_Complete(t *testing.T) {
	model := &fakeModel{reply: "SELECT 1"}
	c := NewClientFromModel(model, Options{Model: "local", Temperature: 0.2, MaxTokens: 128}, nil)

	text, err := c.Complete(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", text)
	assert.Equal(t, "one", model.prompt)
	assert.Equal(t, 0.2, model.opts.Temperature)
	assert.Equal(t, 128, model.opts.MaxTokens)
}

func TestClient_CompleteError(t *testing.T) {
	c := NewClientFromModel(&fakeModel{err: errors.New("offline")}, Options{}, nil)

	_, err := c.Complete(context.Background(), "one")
	assert.ErrorContains(t, err, "langchain generation error: offline")
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Options{}, nil)
	assert.EqualError(t, err, "langchain provider token is required")

	c, err := NewClient(Options{APIKey: "k", Model: "m", BaseURL: "http://localhost:1/v1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c.model)
}
