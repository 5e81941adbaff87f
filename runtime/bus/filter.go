package bus

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lightning-runtime/lightning/runtime/event"
)

// Filter maps dotted key-paths to expected values. Recognized path forms:
//
//   - "data.<path>" walks the event payload one dot segment at a time;
//   - "metadata.<field>" looks the field up directly in the metadata map;
//   - a bare name compares against the event attribute of that wire name
//     (id, event_type, priority, correlation_id, reply_to, ttl_seconds).
//
// All conditions must hold. An unreachable path or missing key fails the
// filter. Values compare by equality only; numbers compare by value so
// JSON-decoded payloads match literal Go numbers.
type Filter map[string]any

// Matches reports whether every filter condition holds for the event.
func (f Filter) Matches(evt event.Event) bool {
	for path, want := range f {
		got, ok := resolve(evt, path)
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func resolve(evt event.Event, path string) (any, bool) {
	switch {
	case strings.HasPrefix(path, "data."):
		return lookupPath(evt.Data, strings.TrimPrefix(path, "data."))
	case strings.HasPrefix(path, "metadata."):
		if evt.Metadata == nil {
			return nil, false
		}
		v, ok := evt.Metadata[strings.TrimPrefix(path, "metadata.")]
		return v, ok
	default:
		return evt.Attribute(path)
	}
}

// lookupPath walks nested maps by dot segments. Every intermediate value
// must itself be a map keyed by strings.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = m
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares filter values. Numeric kinds compare by float64 value
// so a literal 1 matches a JSON-decoded 1.0; strings and bools compare
// directly, composite values structurally.
func looseEqual(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		wf, ok := toFloat(want)
		return ok && gf == wf
	}
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && g == w
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	default:
		return reflect.DeepEqual(got, want)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Expression is a compiled boolean filter expression. The environment
// exposes `data`, `metadata` and the top-level event attributes
// (`event_type`, `priority`, `correlation_id`, `reply_to`, `id`), e.g.
//
//	data.amount > 100 && metadata.userID == "u1"
//
// Evaluation errors and non-boolean results fail the match.
type Expression struct {
	src  string
	prog *vm.Program
}

// CompileExpression compiles a filter expression.
func CompileExpression(src string) (*Expression, error) {
	prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile filter expression %q: %w", src, err)
	}
	return &Expression{src: src, prog: prog}, nil
}

// Matches reports whether the expression evaluates to true for the event.
func (x *Expression) Matches(evt event.Event) bool {
	env := map[string]any{
		"id":             evt.ID,
		"event_type":     evt.Type,
		"priority":       string(evt.Priority),
		"correlation_id": evt.CorrelationID,
		"reply_to":       evt.ReplyTo,
		"data":           evt.Data,
		"metadata":       evt.Metadata,
	}
	out, err := expr.Run(x.prog, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// String returns the expression source.
func (x *Expression) String() string { return x.src }
