package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"goa.design/clue/log"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/plan/validate"
	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/instruction"
	"github.com/lightning-runtime/lightning/runtime/store"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// cli carries the loaded configuration into the command handlers.
type cli struct {
	cfg config.Config
}

// runtime assembles a runtime against the configured providers with clue
// telemetry. Callers stop it when done.
func (c *cli) runtime(ctx context.Context) (*runtime.Runtime, error) {
	return runtime.New(ctx, runtime.Options{
		Config:  c.cfg,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
}

// validator builds a validation runner over the process-wide registries.
func validator() *validate.Runner {
	return validate.NewRunner(validate.RunnerOptions{Tracer: telemetry.NewClueTracer()})
}

// generate runs one instruction through the planning pipeline and prints the
// resulting plan document.
func (c *cli) generate(ctx context.Context, args []string) int {
	fs := commandFlags("generate", "lightning generate <instruction-file>")
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	raw, err := os.ReadFile(pos[0])
	if err != nil {
		return fail(ctx, err, "read instruction")
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fail(ctx, err, "parse instruction")
	}
	inst, err := instruction.Decode(payload)
	if err != nil {
		return fail(ctx, err, "decode instruction")
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	if rt.Processor() == nil {
		return fail(ctx, runtime.ErrNoPlanner, "configure a planner provider and API key")
	}
	p, err := rt.Processor().Generate(ctx, inst)
	if err != nil {
		return fail(ctx, err, "generate plan")
	}
	return printPlan(ctx, p)
}

// validate parses and validates a plan document and prints the full report.
func (c *cli) validate(ctx context.Context, args []string) int {
	fs := commandFlags("validate", "lightning validate <plan-file>")
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	p, err := readPlan(pos[0])
	if err != nil {
		return fail(ctx, err, "load plan")
	}
	results, err := validator().Validate(ctx, p)
	printReport(os.Stdout, results)
	if err != nil {
		return exitError
	}
	return exitOK
}

// announce validates and stores a plan document, then publishes the plan
// lifecycle event the verb names (setup or execute) and prints the plan id.
func (c *cli) announce(ctx context.Context, verb string, args []string) int {
	fs := commandFlags(verb, "lightning "+verb+" <plan-file> [-u user]")
	user := fs.String("u", "", "user owning the plan")
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	p, code := c.loadValidPlan(ctx, pos[0])
	if code != exitOK {
		return code
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	id, err := rt.Plans().Save(ctx, *user, p)
	if err != nil {
		return fail(ctx, err, "store plan")
	}

	eventType := instruction.EventPlanSetup
	if verb == "execute" {
		eventType = instruction.EventPlanExecute
	}
	evt := event.New(eventType,
		map[string]any{"plan_id": id, "plan_name": p.PlanName},
		event.WithMetadata(map[string]any{"userID": *user}))
	if err := rt.Publish(ctx, evt, ""); err != nil {
		return fail(ctx, err, "publish "+eventType)
	}

	log.Info(ctx, log.KV{K: "msg", V: "plan " + verb + " published"},
		log.KV{K: "plan_id", V: id}, log.KV{K: "event", V: eventType})
	fmt.Println(id)
	return exitOK
}

// listTools prints the registered tools as JSON.
func (c *cli) listTools(args []string) int {
	fs := commandFlags("list-tools", "lightning list-tools")
	if _, code, ok := parseArgs(fs, args, 0); !ok {
		return code
	}
	return printJSON(registry.Tools().List())
}

// listEvents prints the registered event definitions as JSON.
func (c *cli) listEvents(args []string) int {
	fs := commandFlags("list-events", "lightning list-events")
	if _, code, ok := parseArgs(fs, args, 0); !ok {
		return code
	}
	return printJSON(registry.Events().List())
}

// registerApp validates and stores a plan document, registers an application
// manifest pointing at it and prints the plan id.
func (c *cli) registerApp(ctx context.Context, args []string) int {
	fs := commandFlags("register-app", "lightning register-app <plan-file> [-u user] [-name name] [-desc text]")
	var (
		user = fs.String("u", "", "user owning the application")
		name = fs.String("name", "", "application name; defaults to the plan name")
		desc = fs.String("desc", "", "application description")
	)
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	p, code := c.loadValidPlan(ctx, pos[0])
	if code != exitOK {
		return code
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	id, err := rt.Plans().Save(ctx, *user, p)
	if err != nil {
		return fail(ctx, err, "store plan")
	}
	appName := *name
	if appName == "" {
		appName = p.PlanName
	}
	app, err := rt.Apps().Register(ctx, registry.App{
		Name:        appName,
		Description: *desc,
		PlanID:      id,
		UserID:      *user,
	})
	if err != nil {
		return fail(ctx, err, "register application")
	}

	log.Info(ctx, log.KV{K: "msg", V: "application registered"},
		log.KV{K: "app", V: app.Name}, log.KV{K: "plan_id", V: id})
	fmt.Println(id)
	return exitOK
}

// unregisterApp removes an application manifest addressed by name or plan id.
func (c *cli) unregisterApp(ctx context.Context, args []string) int {
	fs := commandFlags("unregister-app", "lightning unregister-app <app> [-u user]")
	user := fs.String("u", "", "user owning the application")
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	app, err := resolveApp(ctx, rt.Apps(), pos[0], *user)
	if err != nil {
		return fail(ctx, err, "resolve application")
	}
	if err := rt.Apps().Unregister(ctx, app.Name, app.UserID); err != nil {
		return fail(ctx, err, "unregister application")
	}
	log.Info(ctx, log.KV{K: "msg", V: "application unregistered"}, log.KV{K: "app", V: app.Name})
	return exitOK
}

// listApps prints the registered application manifests as JSON.
func (c *cli) listApps(ctx context.Context, args []string) int {
	fs := commandFlags("list-apps", "lightning list-apps [-u user]")
	user := fs.String("u", "", "restrict to one user")
	if _, code, ok := parseArgs(fs, args, 0); !ok {
		return code
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	apps, err := rt.Apps().List(ctx, *user)
	if err != nil {
		return fail(ctx, err, "list applications")
	}
	return printJSON(apps)
}

// showApp prints one application manifest together with its stored plan.
func (c *cli) showApp(ctx context.Context, args []string) int {
	fs := commandFlags("show-app", "lightning show-app <app> [-u user]")
	user := fs.String("u", "", "user owning the application")
	pos, code, ok := parseArgs(fs, args, 1)
	if !ok {
		return code
	}

	rt, err := c.runtime(ctx)
	if err != nil {
		return fail(ctx, err, "assemble runtime")
	}
	defer func() { _ = rt.Stop(ctx) }()

	app, err := resolveApp(ctx, rt.Apps(), pos[0], *user)
	if err != nil {
		return fail(ctx, err, "resolve application")
	}
	saved, err := rt.Plans().Get(ctx, app.PlanID, app.UserID)
	if err != nil {
		return fail(ctx, err, "load plan "+app.PlanID)
	}
	return printJSON(struct {
		registry.App
		Plan plan.Plan `json:"plan"`
	}{app, saved.Plan})
}

// loadValidPlan reads, parses and validates a plan document. Failures print
// the offending findings.
func (c *cli) loadValidPlan(ctx context.Context, path string) (plan.Plan, int) {
	p, err := readPlan(path)
	if err != nil {
		return plan.Plan{}, fail(ctx, err, "load plan")
	}
	results, err := validator().Validate(ctx, p)
	if err != nil {
		printReport(os.Stderr, results)
		return plan.Plan{}, exitError
	}
	return p, exitOK
}

// resolveApp finds a manifest by name or plan id. A direct read is tried
// first; when the user partition is not known the registered set is scanned.
func resolveApp(ctx context.Context, apps *registry.AppStore, key, user string) (registry.App, error) {
	app, err := apps.Get(ctx, key, user)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return registry.App{}, err
	}
	all, err := apps.List(ctx, user)
	if err != nil {
		return registry.App{}, err
	}
	for _, a := range all {
		if a.Name == key || a.PlanID == key {
			return a, nil
		}
	}
	return registry.App{}, fmt.Errorf("application %q: %w", key, store.ErrNotFound)
}

func readPlan(path string) (plan.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return plan.Plan{}, err
	}
	return plan.Parse(raw)
}

// printReport writes one line per validation finding.
func printReport(w io.Writer, results []validate.Result) {
	for _, res := range results {
		status := "pass"
		if !res.Success {
			status = string(res.Severity)
		}
		fmt.Fprintf(w, "%-8s %-16s %s\n", status, res.Name, res.Message)
	}
}

func printPlan(ctx context.Context, p plan.Plan) int {
	raw, err := plan.Marshal(p)
	if err != nil {
		return fail(ctx, err, "encode plan")
	}
	fmt.Println(string(raw))
	return exitOK
}

func printJSON(v any) int {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "lightning:", err)
		return exitError
	}
	fmt.Println(string(raw))
	return exitOK
}

// commandFlags builds a per-command flag set whose usage prints the command
// synopsis.
func commandFlags(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", synopsis)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses the command arguments, tolerating flags after the
// positional arguments (lightning setup plan.json -u alice), and enforces
// the positional count. The bool reports whether the command may proceed.
func parseArgs(fs *flag.FlagSet, args []string, positional int) ([]string, int, bool) {
	var pos []string
	rest := args
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		pos = append(pos, rest[0])
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return nil, exitUsage, false
	}
	pos = append(pos, fs.Args()...)
	if len(pos) != positional {
		fs.Usage()
		return nil, exitUsage, false
	}
	return pos, exitOK, true
}

func fail(ctx context.Context, err error, msg string) int {
	log.Errorf(ctx, err, "%s", msg)
	return exitError
}
