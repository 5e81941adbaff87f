// Package openai provides a planner.Client backed by the OpenAI Chat
// Completions API. It translates planning transcripts into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps responses back to
// the generic planner structures.
package openai

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lightning-runtime/lightning/runtime/planner"
)

const (
	// ProviderName is the planner provider name configuration selects
	// this adapter by.
	ProviderName = "openai"
	// DefaultModel is the model used when configuration names none.
	DefaultModel = "gpt-4o"

	providerName = ProviderName
)

// ChatClient captures the subset of the go-openai client used by the
// adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client performs the chat completion calls. Required.
	Client ChatClient
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string
}

// Client implements planner.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed planner client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req planner.Request) (planner.Response, error) {
	if len(req.Messages) == 0 {
		return planner.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.UserID,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return planner.Response{}, planner.WrapError(providerName, "chat_completion", statusOf(err), err)
	}
	return translateResponse(response), nil
}

// statusOf extracts the HTTP status from go-openai error types.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func translateResponse(resp openai.ChatCompletionResponse) planner.Response {
	out := planner.Response{
		Usage: planner.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}
