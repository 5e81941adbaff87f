package instruction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/registry"
)

func promptInstruction() Instruction {
	return Instruction{
		ID:          "inst-42",
		Name:        "escalate urgent calls",
		Description: "Page the on-call engineer when an urgent call comes in.",
		Trigger: Trigger{
			EventType:  "voice.call.*",
			Providers:  []string{"zoom", "teams"},
			Conditions: map[string]any{"keywords": []any{"urgent", "asap"}, "min_duration": 30},
		},
		Action:  Action{Type: "notify", Config: map[string]any{"channel": "oncall"}},
		Enabled: true,
	}
}

func catalog() map[string]registry.PlannerTool {
	return map[string]registry.PlannerTool{
		"notify.page": {Description: "Page a person", Inputs: map[string]string{"who": "string", "message": "string"}},
		"llm.triage":  {Description: "Classify a transcript", Produces: []string{"event.triaged"}},
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	a := BuildPrompt(promptInstruction(), catalog())
	b := BuildPrompt(promptInstruction(), catalog())
	require.Equal(t, a, b)
}

func TestBuildPromptContents(t *testing.T) {
	p := BuildPrompt(promptInstruction(), catalog())

	require.Contains(t, p, `Create a plan named "escalate urgent calls"`)
	require.Contains(t, p, "Page the on-call engineer")
	require.Contains(t, p, `when an event of type "voice.call.*" arrives from teams or zoom`)
	require.Contains(t, p, `keywords = "asap", "urgent"`)
	require.Contains(t, p, "min_duration = 30")
	require.Contains(t, p, "send a notification to oncall")
	require.Contains(t, p, "reactive workflow")

	// Tool catalog is listed in id order with sorted inputs.
	triage := strings.Index(p, "- llm.triage: Classify a transcript (produces: event.triaged)")
	page := strings.Index(p, "- notify.page: Page a person (inputs: message, who)")
	require.Greater(t, triage, 0)
	require.Greater(t, page, triage)
}

func TestActionProsePerType(t *testing.T) {
	cases := []struct {
		action Action
		want   string
	}{
		{Action{Type: "prompt", Config: map[string]any{"instruction": "summarize"}}, `following the instruction "summarize"`},
		{Action{Type: "webhook", Config: map[string]any{"url": "https://x.test/hook", "method": "put"}}, "call the webhook PUT https://x.test/hook"},
		{Action{Type: "function", Config: map[string]any{"name": "reindex"}}, `invoke the function "reindex"`},
		{Action{Type: "archive", Config: map[string]any{"bucket": "cold"}}, `perform a archive action configured with bucket = "cold"`},
		{Action{Type: "archive"}, "perform a archive action."},
	}
	for _, tc := range cases {
		require.Contains(t, actionProse(tc.action), tc.want)
	}
}

func TestExtractPlanTolerance(t *testing.T) {
	const body = `{"plan": {"plan_name": "p", "graph_type": "reactive"}}`

	for name, content := range map[string]string{
		"bare":          body,
		"fenced":        "```json\n" + body + "\n```",
		"fencedNoLang":  "```\n" + body + "\n```",
		"prosePadding":  "Here is the plan you asked for:\n" + body + "\nLet me know!",
		"unwrappedPlan": `{"plan_name": "p", "graph_type": "reactive"}`,
	} {
		raw, err := extractPlan(content)
		require.NoError(t, err, name)
		require.Contains(t, string(raw), `"plan_name"`, name)
	}
}

func TestExtractPlanFailures(t *testing.T) {
	_, err := extractPlan("no json here")
	require.ErrorContains(t, err, "no JSON object")

	_, err = extractPlan(`{"plan": `)
	require.ErrorContains(t, err, "no JSON object")

	_, err = extractPlan(`{"answer": 42}`)
	require.ErrorContains(t, err, `no "plan" field`)
}

func TestDecodeValidates(t *testing.T) {
	_, err := Decode(map[string]any{"id": "i", "name": "n"})
	require.ErrorContains(t, err, "trigger.event_type")
	require.ErrorContains(t, err, "action.type")

	inst, err := Decode(map[string]any{
		"id":      "i",
		"name":    "n",
		"trigger": map[string]any{"event_type": "event.manual.trigger"},
		"action":  map[string]any{"type": "notify"},
		"enabled": true,
	})
	require.NoError(t, err)
	require.True(t, inst.Enabled)
	require.Equal(t, "event.manual.trigger", inst.Trigger.EventType)
}

func TestFingerprintTracksTriggerAndActionOnly(t *testing.T) {
	base := promptInstruction()

	renamed := base
	renamed.Name = "renamed"
	renamed.Description = "different prose"
	renamed.Enabled = false
	require.Equal(t, base.Fingerprint(), renamed.Fingerprint())

	retargeted := base
	retargeted.Trigger.EventType = "voice.call.ended"
	require.NotEqual(t, base.Fingerprint(), retargeted.Fingerprint())

	reconfigured := base
	reconfigured.Action.Config = map[string]any{"channel": "dev-null"}
	require.NotEqual(t, base.Fingerprint(), reconfigured.Fingerprint())
}
