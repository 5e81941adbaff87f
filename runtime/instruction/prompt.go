package instruction

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lightning-runtime/lightning/registry"
)

// systemPrompt carries the standing rules for the planner. The plan JSON
// contract is spelled out here so validator feedback in later turns has
// something to refer back to.
const systemPrompt = `You are a workflow planner for an event-driven automation runtime.
Given an instruction, design the smallest reactive workflow that implements it.
Respond with a single JSON object of the form {"plan": {...}} and nothing else.
The plan object must declare "plan_name", "graph_type": "reactive", an "events"
list naming every event the workflow consumes or emits, and a "steps" list in
which each step waits on events ("on"), invokes exactly one tool ("action")
and emits events ("emits"). Use only the tools listed in the request and only
event names prefixed "event.". External trigger events must declare their
"kind"; timed kinds also declare a "schedule".`

// BuildPrompt renders the instruction into the planner request text. The
// rendering is deterministic: providers, conditions and the tool catalog are
// sorted, so the same instruction against the same registry always yields
// the same prompt.
func BuildPrompt(inst Instruction, tools map[string]registry.PlannerTool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a plan named %q that automates the following instruction.\n", inst.Name)
	if d := strings.TrimSpace(inst.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("\nTrigger: ")
	b.WriteString(triggerProse(inst.Trigger))
	b.WriteString("\nAction: ")
	b.WriteString(actionProse(inst.Action))
	b.WriteString("\n\nThe plan must be a reactive workflow that starts from the trigger event and chains steps through the events they consume and emit.\n")
	if len(tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, id := range sortedKeys(tools) {
			t := tools[id]
			fmt.Fprintf(&b, "- %s: %s", id, t.Description)
			if len(t.Inputs) > 0 {
				fmt.Fprintf(&b, " (inputs: %s)", strings.Join(sortedKeys(t.Inputs), ", "))
			}
			if len(t.Produces) > 0 {
				produces := append([]string(nil), t.Produces...)
				sort.Strings(produces)
				fmt.Fprintf(&b, " (produces: %s)", strings.Join(produces, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// triggerProse renders the trigger as one sentence.
func triggerProse(t Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "when an event of type %q arrives", t.EventType)
	if len(t.Providers) > 0 {
		providers := append([]string(nil), t.Providers...)
		sort.Strings(providers)
		fmt.Fprintf(&b, " from %s", strings.Join(providers, " or "))
	}
	if len(t.Conditions) > 0 {
		conds := make([]string, 0, len(t.Conditions))
		for _, k := range sortedKeys(t.Conditions) {
			conds = append(conds, k+" = "+conditionValue(t.Conditions[k]))
		}
		fmt.Fprintf(&b, " where %s", strings.Join(conds, " and "))
	}
	b.WriteString(".")
	return b.String()
}

// actionProse renders the action as one sentence. Well-known action types
// get tailored phrasing; anything else falls back to a generic rendering of
// the config.
func actionProse(a Action) string {
	switch a.Type {
	case "prompt", "llm":
		if v, ok := configString(a.Config, "instruction", "prompt"); ok {
			return fmt.Sprintf("process the triggering event with a language model following the instruction %q.", v)
		}
		return "process the triggering event with a language model."
	case "webhook":
		method := "POST"
		if m, ok := configString(a.Config, "method"); ok {
			method = strings.ToUpper(m)
		}
		if url, ok := configString(a.Config, "url"); ok {
			return fmt.Sprintf("call the webhook %s %s with the event payload.", method, url)
		}
		return "call the configured webhook with the event payload."
	case "notify", "notification":
		if ch, ok := configString(a.Config, "channel", "target"); ok {
			return fmt.Sprintf("send a notification to %s summarizing the event.", ch)
		}
		return "send a notification summarizing the event."
	case "function":
		if name, ok := configString(a.Config, "name", "function"); ok {
			return fmt.Sprintf("invoke the function %q with the event payload.", name)
		}
		return "invoke the configured function with the event payload."
	default:
		if len(a.Config) == 0 {
			return fmt.Sprintf("perform a %s action.", a.Type)
		}
		parts := make([]string, 0, len(a.Config))
		for _, k := range sortedKeys(a.Config) {
			parts = append(parts, k+" = "+conditionValue(a.Config[k]))
		}
		return fmt.Sprintf("perform a %s action configured with %s.", a.Type, strings.Join(parts, ", "))
	}
}

// conditionValue formats a condition or config value for prose. Strings are
// quoted and collections are sorted so the rendering stays deterministic.
func conditionValue(v any) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case []string:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = strconv.Quote(item)
		}
		sort.Strings(parts)
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = conditionValue(item)
		}
		sort.Strings(parts)
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func configString(cfg map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
