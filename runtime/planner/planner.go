// Package planner defines the client contract used to turn instructions
// into plans. Adapters under features/planner translate vendor SDKs to one
// small surface: a message transcript in, a text completion out.
package planner

import (
	"context"
	"errors"
)

// ErrRateLimited marks provider throttling. Adapters wrap vendor-specific
// 429 signals with this sentinel so retry loops and rate-limit middleware
// can react without knowing the vendor.
var ErrRateLimited = errors.New("planner: rate limited")

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleSystem carries standing instructions to the model.
	RoleSystem Role = "system"
	// RoleUser carries the request and follow-up feedback.
	RoleUser Role = "user"
	// RoleAssistant carries prior model output.
	RoleAssistant Role = "assistant"
)

type (
	// Message is one turn of the planning transcript.
	Message struct {
		// Role is the message author.
		Role Role
		// Content is the message text.
		Content string
	}

	// Request asks a provider for a completion over a transcript.
	Request struct {
		// Messages is the transcript, oldest first. At least one message
		// is required.
		Messages []Message
		// Model overrides the adapter default model when set.
		Model string
		// MaxTokens caps the completion length. Zero uses the adapter
		// default.
		MaxTokens int
		// Temperature tunes sampling when positive.
		Temperature float32
		// UserID attributes the request for provider-side accounting.
		UserID string
	}

	// Usage reports provider token accounting.
	Usage struct {
		// InputTokens counts prompt tokens.
		InputTokens int
		// OutputTokens counts completion tokens.
		OutputTokens int
		// TotalTokens is the provider-reported total.
		TotalTokens int
	}

	// Response is the provider completion.
	Response struct {
		// Content is the completion text.
		Content string
		// Usage holds token accounting when the provider reports it.
		Usage Usage
		// StopReason is the provider stop reason when reported.
		StopReason string
	}

	// Client generates completions. Implementations must be safe for
	// concurrent use.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Middleware wraps a client with cross-cutting behavior such as rate
	// limiting.
	Middleware func(Client) Client
)
