package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lightning-runtime/lightning/plan"
)

// completionPlace is the synthesized completion event used when no emitted
// event is terminal.
const completionPlace = "workflow_complete"

// Exploration bounds. A marking that pushes any event past maxTokens, or a
// state space past maxMarkings, classifies the net as unbounded.
const (
	maxTokens   = 8
	maxMarkings = 4096
)

// soundnessValidator interprets the plan as a Petri net, with events as
// places and steps as transitions, and checks workflow soundness: the net
// has the workflow shape, every reachable marking can still finish, every
// step can fire, and acyclic plans contain no cycles.
type soundnessValidator struct{}

func (soundnessValidator) Name() string { return "soundness" }

func (v soundnessValidator) Validate(ctx context.Context, p plan.Plan) []Result {
	var out []Result
	net := buildNet(p)

	form := net.formErrors()
	for _, msg := range form {
		out = append(out, fail("soundness", "%s", msg))
	}
	// Marking exploration on a malformed net would restate the shape
	// problems in confusing terms, so it only runs on a clean shape.
	if len(form) == 0 {
		for _, msg := range net.explore() {
			out = append(out, fail("soundness", "%s", msg))
		}
	}
	if p.GraphType == plan.GraphAcyclic {
		for _, msg := range net.cycles() {
			out = append(out, fail("soundness", "%s", msg))
		}
	}
	for _, e := range p.Events {
		if e.Name == "" || net.placeSet[e.Name] || e.Kind != "" {
			continue
		}
		out = append(out, warn("soundness", "event %q is declared but no step consumes or emits it", e.Name))
	}

	return orPass("soundness", out)
}

type (
	// petriNet is the workflow net derived from a plan. Places are the
	// events steps reference, transitions are the steps.
	petriNet struct {
		placeSet    map[string]bool
		places      []string // sorted
		transitions []string // plan order
		inputs      map[string][]string
		outputs     map[string][]string
		producers   map[string][]string
		consumers   map[string][]string
		initial     marking
		final       marking
		synthesized bool
	}

	// marking counts tokens per place. Places at zero are absent.
	marking map[string]int
)

func buildNet(p plan.Plan) *petriNet {
	n := &petriNet{
		placeSet:  make(map[string]bool),
		inputs:    make(map[string][]string),
		outputs:   make(map[string][]string),
		producers: make(map[string][]string),
		consumers: make(map[string][]string),
		initial:   marking{},
		final:     marking{},
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		// Nameless and duplicate steps are rejected elsewhere; the first
		// occurrence wins here so the analysis stays well defined.
		if s.Name == "" || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		n.transitions = append(n.transitions, s.Name)
		for _, ev := range dedupe(s.On) {
			n.placeSet[ev] = true
			n.inputs[s.Name] = append(n.inputs[s.Name], ev)
			n.consumers[ev] = append(n.consumers[ev], s.Name)
		}
		for _, ev := range dedupe(s.Emits) {
			n.placeSet[ev] = true
			n.outputs[s.Name] = append(n.outputs[s.Name], ev)
			n.producers[ev] = append(n.producers[ev], s.Name)
		}
	}

	// Terminal events are emitted but never consumed. When none exist the
	// completion place is synthesized and every step that emits nothing
	// feeds it.
	var terminal []string
	for place := range n.placeSet {
		if len(n.producers[place]) > 0 && len(n.consumers[place]) == 0 {
			terminal = append(terminal, place)
		}
	}
	sort.Strings(terminal)
	if len(terminal) == 0 {
		n.synthesized = true
		n.placeSet[completionPlace] = true
		for _, t := range n.transitions {
			if len(n.outputs[t]) == 0 {
				n.outputs[t] = append(n.outputs[t], completionPlace)
				n.producers[completionPlace] = append(n.producers[completionPlace], t)
			}
		}
		terminal = []string{completionPlace}
	}
	for _, place := range terminal {
		n.final[place] = 1
	}

	// Externally triggered events referenced by a step each start with
	// one token.
	for _, e := range p.Events {
		if e.Kind != "" && n.placeSet[e.Name] {
			n.initial[e.Name] = 1
		}
	}

	for place := range n.placeSet {
		n.places = append(n.places, place)
	}
	sort.Strings(n.places)
	return n
}

// formErrors checks the workflow-net shape: external triggers on the entry
// side, a single completion on the exit side, and every node on a path
// between them.
func (n *petriNet) formErrors() []string {
	if len(n.transitions) == 0 {
		return []string{"plan has no steps"}
	}

	var out []string
	if n.synthesized && len(n.producers[completionPlace]) == 0 {
		out = append(out, "no completion: every step's emissions are consumed by other steps, so the workflow can never finish")
	}

	var entry []string
	for _, place := range n.places {
		if n.initial[place] > 0 {
			entry = append(entry, place)
		}
	}
	if len(entry) == 0 {
		out = append(out, "no entry point: no externally triggered event starts the workflow")
	}
	for _, place := range n.places {
		if place == completionPlace && n.synthesized {
			continue
		}
		if len(n.producers[place]) == 0 && n.initial[place] == 0 {
			out = append(out, fmt.Sprintf("event %q has no producing step and is not an external trigger, so it never receives a token", place))
		}
	}
	for _, t := range n.transitions {
		if len(n.inputs[t]) == 0 {
			out = append(out, fmt.Sprintf("step %q consumes no events and can never be scheduled", t))
		}
	}

	var sinks []string
	for _, place := range n.places {
		if len(n.consumers[place]) == 0 && len(n.producers[place]) > 0 {
			sinks = append(sinks, place)
		}
	}
	if len(sinks) > 1 {
		out = append(out, fmt.Sprintf("multiple completion events %s: a sound workflow finishes at exactly one", strings.Join(quoted(sinks), ", ")))
	}

	// Path coverage only makes sense on an otherwise well-shaped net.
	if len(out) > 0 {
		return out
	}
	forward := n.reach(entry, false)
	backward := n.reach(sinks, true)
	for _, place := range n.places {
		if !forward["p:"+place] || !backward["p:"+place] {
			out = append(out, fmt.Sprintf("event %q is not on a path from a trigger to completion", place))
		}
	}
	for _, t := range n.transitions {
		if !forward["t:"+t] || !backward["t:"+t] {
			out = append(out, fmt.Sprintf("step %q is not on a path from a trigger to completion", t))
		}
	}
	return out
}

// reach walks the bipartite arc graph from the given places, backwards
// when back is set. Keys are "p:"-prefixed places and "t:"-prefixed
// transitions.
func (n *petriNet) reach(start []string, back bool) map[string]bool {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(start))
	for _, place := range start {
		seen["p:"+place] = true
		queue = append(queue, "p:"+place)
	}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		name := key[2:]
		var next []string
		switch {
		case strings.HasPrefix(key, "p:") && back:
			for _, t := range n.producers[name] {
				next = append(next, "t:"+t)
			}
		case strings.HasPrefix(key, "p:"):
			for _, t := range n.consumers[name] {
				next = append(next, "t:"+t)
			}
		case back:
			for _, place := range n.inputs[name] {
				next = append(next, "p:"+place)
			}
		default:
			for _, place := range n.outputs[name] {
				next = append(next, "p:"+place)
			}
		}
		for _, k := range next {
			if !seen[k] {
				seen[k] = true
				queue = append(queue, k)
			}
		}
	}
	return seen
}

// explore walks the reachable markings and reports soundness defects:
// markings that stop short of completion, markings that can no longer
// complete, steps that never fire and unbounded token growth.
func (n *petriNet) explore() []string {
	start := n.initial.key(n.places)
	states := map[string]marking{start: n.initial.clone()}
	edges := make(map[string][]string)
	parents := make(map[string][]string)
	fired := make(map[string]bool)
	queue := []string{start}
	bounded := true

walk:
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		m := states[key]
		for _, t := range n.transitions {
			if !m.enables(n.inputs[t]) {
				continue
			}
			fired[t] = true
			next := m.fire(n.inputs[t], n.outputs[t])
			if next.exceeds(maxTokens) {
				bounded = false
				break walk
			}
			nkey := next.key(n.places)
			edges[key] = append(edges[key], nkey)
			parents[nkey] = append(parents[nkey], key)
			if _, ok := states[nkey]; !ok {
				if len(states) >= maxMarkings {
					bounded = false
					break walk
				}
				states[nkey] = next
				queue = append(queue, nkey)
			}
		}
	}

	if !bounded {
		return []string{fmt.Sprintf("unbounded: events accumulate without limit (over %d pending copies of one event or %d distinct states)", maxTokens, maxMarkings)}
	}

	var out []string
	finalKey := n.final.key(n.places)

	var deadlocks []string
	for key := range states {
		if len(edges[key]) == 0 && key != finalKey {
			deadlocks = append(deadlocks, key)
		}
	}
	sort.Strings(deadlocks)
	for _, key := range deadlocks {
		out = append(out, fmt.Sprintf("deadlock: the workflow can stop %s without completing", states[key].describe()))
	}

	if _, ok := states[finalKey]; !ok {
		out = append(out, "completion is unreachable from the initial state")
	} else {
		canFinish := map[string]bool{finalKey: true}
		back := []string{finalKey}
		for len(back) > 0 {
			key := back[0]
			back = back[1:]
			for _, prev := range parents[key] {
				if !canFinish[prev] {
					canFinish[prev] = true
					back = append(back, prev)
				}
			}
		}
		var stuck []string
		for key := range states {
			if !canFinish[key] && len(edges[key]) > 0 {
				stuck = append(stuck, key)
			}
		}
		sort.Strings(stuck)
		for _, key := range stuck {
			out = append(out, fmt.Sprintf("livelock: no path to completion once the workflow is %s", states[key].describe()))
		}
	}

	for _, t := range n.transitions {
		if !fired[t] {
			out = append(out, fmt.Sprintf("step %q can never run: its events are never all pending together", t))
		}
	}
	return out
}

// cycles finds step cycles through emitted events and reports the first
// one found. Reactive plans may loop; acyclic plans must not.
func (n *petriNet) cycles() []string {
	adj := make(map[string][]string, len(n.transitions))
	for _, t := range n.transitions {
		seen := make(map[string]bool)
		for _, place := range n.outputs[t] {
			for _, next := range n.consumers[place] {
				if !seen[next] {
					seen[next] = true
					adj[t] = append(adj[t], next)
				}
			}
		}
		sort.Strings(adj[t])
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(n.transitions))
	var stack []string
	var found []string

	var visit func(t string) bool
	visit = func(t string) bool {
		color[t] = grey
		stack = append(stack, t)
		for _, next := range adj[t] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case grey:
				i := len(stack) - 1
				for i > 0 && stack[i] != next {
					i--
				}
				cycle := append(append([]string{}, stack[i:]...), next)
				found = append(found, fmt.Sprintf("cycle %s is not allowed in an acyclic plan", strings.Join(quoted(cycle), " -> ")))
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[t] = black
		return false
	}
	for _, t := range n.transitions {
		if color[t] == white && visit(t) {
			break
		}
	}
	return found
}

func (m marking) clone() marking {
	out := make(marking, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m marking) enables(inputs []string) bool {
	for _, place := range inputs {
		if m[place] < 1 {
			return false
		}
	}
	return len(inputs) > 0
}

func (m marking) fire(inputs, outputs []string) marking {
	next := m.clone()
	for _, place := range inputs {
		next[place]--
		if next[place] == 0 {
			delete(next, place)
		}
	}
	for _, place := range outputs {
		next[place]++
	}
	return next
}

func (m marking) exceeds(limit int) bool {
	for _, v := range m {
		if v > limit {
			return true
		}
	}
	return false
}

// key renders a canonical identity for the marking using the sorted place
// list.
func (m marking) key(places []string) string {
	var b strings.Builder
	for _, place := range places {
		if v := m[place]; v > 0 {
			fmt.Fprintf(&b, "%s=%d;", place, v)
		}
	}
	return b.String()
}

// describe renders a marking for error messages.
func (m marking) describe() string {
	if len(m) == 0 {
		return "with every event consumed"
	}
	names := make([]string, 0, len(m))
	for place := range m {
		names = append(names, place)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, place := range names {
		if m[place] == 1 {
			parts = append(parts, fmt.Sprintf("%q", place))
		} else {
			parts = append(parts, fmt.Sprintf("%q x%d", place, m[place]))
		}
	}
	return "waiting on " + strings.Join(parts, ", ")
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func quoted(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = fmt.Sprintf("%q", name)
	}
	return out
}
