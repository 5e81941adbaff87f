package openai_test

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	openaiplanner "github.com/lightning-runtime/lightning/features/planner/openai"
	"github.com/lightning-runtime/lightning/runtime/planner"
)

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaiplanner.New(openaiplanner.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	mock.response = openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: `{"plan": {}}`},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := client.Complete(context.Background(), planner.Request{
		Messages: []planner.Message{
			{Role: planner.RoleSystem, Content: "you are a planner"},
			{Role: planner.RoleUser, Content: "plan the digest"},
		},
		MaxTokens:   256,
		Temperature: 0.2,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, `{"plan": {}}`, resp.Content)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := mock.captured
	require.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Equal(t, "plan the digest", req.Messages[1].Content)
	require.Equal(t, 256, req.MaxTokens)
	require.Equal(t, "user-1", req.User)
}

func TestClientModelOverride(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaiplanner.New(openaiplanner.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), planner.Request{
		Messages: []planner.Message{{Role: planner.RoleUser, Content: "hi"}},
		Model:    "gpt-4o-mini",
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", mock.captured.Model)
}

func TestClientClassifiesRateLimit(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	client, err := openaiplanner.New(openaiplanner.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), planner.Request{
		Messages: []planner.Message{{Role: planner.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, planner.ErrRateLimited)
	var pe *planner.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "openai", pe.Provider())
	require.Equal(t, planner.KindRateLimited, pe.Kind())
}

func TestClientClassifiesAuthFailure(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}}
	client, err := openaiplanner.New(openaiplanner.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), planner.Request{
		Messages: []planner.Message{{Role: planner.RoleUser, Content: "hi"}},
	})
	require.NotErrorIs(t, err, planner.ErrRateLimited)
	var pe *planner.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, planner.KindAuth, pe.Kind())
	require.False(t, pe.Retryable())
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := openaiplanner.New(openaiplanner.Options{Client: &mockChatClient{}})
	require.Error(t, err)
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := openaiplanner.New(openaiplanner.Options{Client: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), planner.Request{})
	require.Error(t, err)
}

type mockChatClient struct {
	response openai.ChatCompletionResponse
	captured openai.ChatCompletionRequest
	err      error
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.captured = request
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}
