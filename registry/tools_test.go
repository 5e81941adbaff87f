package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func summarizer() Tool {
	return Tool{
		ID:           "tool.summarize",
		Name:         "Summarize",
		Description:  "Condense text into a short summary",
		Type:         ToolLLM,
		AccessScopes: []string{ScopePlanner},
		Capabilities: []string{"text"},
		Inputs:       map[string]string{"text": "string"},
		Produces:     []string{"event.summary.ready"},
		Enabled:      true,
	}
}

func TestToolRegisterAndGet(t *testing.T) {
	r := NewToolRegistry(nil)
	require.NoError(t, r.Register(context.Background(), summarizer()))

	got, ok := r.Get("tool.summarize")
	require.True(t, ok)
	require.Equal(t, "Summarize", got.Name)

	_, ok = r.Get("tool.ghost")
	require.False(t, ok)
}

func TestToolFirstRegistrationWins(t *testing.T) {
	r := NewToolRegistry(nil)
	ctx := context.Background()

	first := summarizer()
	require.NoError(t, r.Register(ctx, first))

	second := summarizer()
	second.Name = "Imposter"
	second.Enabled = false
	require.NoError(t, r.Register(ctx, second))

	got, ok := r.Get("tool.summarize")
	require.True(t, ok)
	require.Equal(t, "Summarize", got.Name)
	require.True(t, got.Enabled)
}

func TestToolRegisterValidation(t *testing.T) {
	r := NewToolRegistry(nil)
	ctx := context.Background()

	bad := summarizer()
	bad.ID = ""
	require.Error(t, r.Register(ctx, bad))

	bad = summarizer()
	bad.Name = ""
	require.Error(t, r.Register(ctx, bad))

	bad = summarizer()
	bad.Type = "quantum"
	require.Error(t, r.Register(ctx, bad))
}

func TestToolFilters(t *testing.T) {
	r := NewToolRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, summarizer()))
	require.NoError(t, r.Register(ctx, Tool{
		ID:           "tool.transcribe",
		Name:         "Transcribe",
		Type:         ToolNative,
		Capabilities: []string{"audio", "text"},
		AccessScopes: []string{"internal"},
		Enabled:      true,
	}))
	require.NoError(t, r.Register(ctx, Tool{
		ID:      "tool.notify",
		Name:    "Notify",
		Type:    ToolAPI,
		Enabled: true,
	}))

	require.Len(t, r.List(), 3)
	require.Equal(t, "tool.notify", r.List()[0].ID)

	llm := r.FilterByType(ToolLLM)
	require.Len(t, llm, 1)
	require.Equal(t, "tool.summarize", llm[0].ID)

	text := r.FilterByCapability("text")
	require.Len(t, text, 2)

	internal := r.FilterByScope("internal")
	require.Len(t, internal, 1)
	require.Equal(t, "tool.transcribe", internal[0].ID)
}

func TestPlannerToolsView(t *testing.T) {
	r := NewToolRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, summarizer()))

	disabled := summarizer()
	disabled.ID = "tool.disabled"
	disabled.Enabled = false
	require.NoError(t, r.Register(ctx, disabled))

	hidden := summarizer()
	hidden.ID = "tool.hidden"
	hidden.AccessScopes = []string{"internal"}
	require.NoError(t, r.Register(ctx, hidden))

	view := r.PlannerTools()
	require.Len(t, view, 1)
	pt, ok := view["tool.summarize"]
	require.True(t, ok)
	require.Equal(t, "Condense text into a short summary", pt.Description)
	require.Equal(t, map[string]string{"text": "string"}, pt.Inputs)
	require.Equal(t, []string{"event.summary.ready"}, pt.Produces)
}

func TestScopeMatchingIsCaseInsensitive(t *testing.T) {
	tool := summarizer()
	tool.AccessScopes = []string{"Planner"}
	require.True(t, tool.HasScope(ScopePlanner))
	require.True(t, tool.HasCapability("TEXT"))
}
