// Command lightning is the operational front door of the runtime. It turns
// instruction files into plans, validates and publishes plan documents, and
// manages the tool, event and application registries, all against whatever
// providers the configuration selects.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"goa.design/clue/log"

	pulsebus "github.com/lightning-runtime/lightning/features/bus/pulse"
	mongostore "github.com/lightning-runtime/lightning/features/store/mongo"
	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/factory"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// Exit codes: 0 success, 1 operation failure, 2 usage error.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	fs := flag.NewFlagSet("lightning", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		configF  = fs.String("config", "", "configuration file (JSON or YAML); defaults to $"+config.EnvConfigFile)
		catalogF = fs.String("catalog", "", "tool and event catalog file seeding the registries")
		verboseF = fs.Bool("v", false, "enable debug logging")
	)
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lightning:", err)
		return exitError
	}
	ctx := logContext(cfg, *verboseF)

	pulsebus.Register(factory.Default())
	mongostore.Register(factory.Default())

	registry.Initialize(telemetry.NewClueLogger())
	if *catalogF != "" {
		cat, err := registry.LoadCatalog(*catalogF)
		if err != nil {
			log.Errorf(ctx, err, "load catalog")
			return exitError
		}
		if err := cat.Apply(ctx, registry.Tools(), registry.Events()); err != nil {
			log.Errorf(ctx, err, "apply catalog")
			return exitError
		}
	}

	c := &cli{cfg: cfg}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "generate":
		return c.generate(ctx, rest)
	case "validate":
		return c.validate(ctx, rest)
	case "setup":
		return c.announce(ctx, "setup", rest)
	case "execute":
		return c.announce(ctx, "execute", rest)
	case "list-tools":
		return c.listTools(rest)
	case "list-events":
		return c.listEvents(rest)
	case "register-app":
		return c.registerApp(ctx, rest)
	case "unregister-app":
		return c.unregisterApp(ctx, rest)
	case "list-apps":
		return c.listApps(ctx, rest)
	case "show-app":
		return c.showApp(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "lightning: unknown command %q\n\n", cmd)
		fs.Usage()
		return exitUsage
	}
}

// logContext builds the clue logging context: format from configuration
// (falling back to terminal detection), debug from -v or the configured
// level.
func logContext(cfg config.Config, verbose bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	switch cfg.LogProvider {
	case config.LogJSON:
		format = log.FormatJSON
	case config.LogConsole:
		format = log.FormatTerminal
	}

	opts := []log.LogOption{log.WithFormat(format)}
	if cfg.LogProvider == config.LogNone {
		opts = append(opts, log.WithOutput(io.Discard))
	}
	if verbose || cfg.LogLevel == config.LogDebug {
		opts = append(opts, log.WithDebug())
	}
	return log.Context(context.Background(), opts...)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprint(fs.Output(), `Usage: lightning [flags] <command> [arguments]

Commands:
  generate <instruction-file>          generate a plan from an instruction
  validate <plan-file>                 validate a plan document
  setup <plan-file> -u <user>          validate, store and announce a plan
  execute <plan-file> -u <user>        validate, store and request execution
  list-tools                           print the registered tools
  list-events                          print the registered event definitions
  register-app <plan-file> -u <user>   validate, store and register an application
  unregister-app <app> -u <user>       remove a registered application
  list-apps [-u <user>]                print the registered applications
  show-app <app>                       print one registered application

Applications are addressed by name or plan id.

Flags:
`)
	fs.PrintDefaults()
}
