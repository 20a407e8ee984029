// Command routeproc turns raw GPS sessions into matched routes, geofence
// events and speed violations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/route.report/internal/config"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a YAML or JSON config file (default ./routeproc.yaml if present)")
	dbPath     = flag.String("db", "", "SQLite database path, overrides database.path")
)

// options are the global flags shared by every command.
type options struct {
	ConfigPath string
	DBPath     string
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	opts := options{ConfigPath: *configPath, DBPath: *dbPath}
	if err := run(context.Background(), opts, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		monitoring.Logger().WithError(err).Fatal("routeproc failed")
	}
}

func run(ctx context.Context, opts options, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return errors.New("a command is required")
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	case "version":
		fmt.Fprintf(out, "routeproc %s (%s, built %s) processing %s\n",
			version.Version, version.GitSHA, version.BuildTime, version.ProcessingVersion)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := monitoring.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}

	// migrate must work on databases too old or too new for NewDB.
	if cmd == "migrate" {
		return runMigrate(cfg, rest, out)
	}

	shutdownTelemetry, err := monitoring.InitTelemetry(ctx, cfg.Telemetry.ToMonitoring())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			monitoring.Logger().WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	switch cmd {
	case "process":
		return runProcess(ctx, cfg, rest, out)
	case "reprocess":
		return runReprocess(ctx, cfg, rest, out)
	case "serve":
		return runServe(ctx, cfg, rest)
	case "consume":
		return runConsume(ctx, cfg, rest)
	case "enqueue":
		return runEnqueue(ctx, cfg, rest, out)
	case "import-roads":
		return runImportRoads(ctx, cfg, rest, out)
	case "purge-cache":
		return runPurgeCache(ctx, cfg, rest, out)
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}
	return cfg, nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: routeproc [-config file] [-db path] <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  process <session-id>...   Run sessions through the pipeline and print summaries")
	fmt.Fprintln(out, "  reprocess                 Process sessions not yet run at the current processing version")
	fmt.Fprintln(out, "  serve                     Serve the HTTP API and reprocess stale sessions")
	fmt.Fprintln(out, "  consume                   Process sessions announced on the Kafka topic")
	fmt.Fprintln(out, "  enqueue <session-id>...   Publish sessions to the Kafka topic")
	fmt.Fprintln(out, "  import-roads <file.csv>   Load static OSM road speed limits")
	fmt.Fprintln(out, "  purge-cache               Delete speed-limit cache entries older than the cache TTL")
	fmt.Fprintln(out, "  migrate <action>          Manage database schema migrations")
	fmt.Fprintln(out, "  version                   Print version information")
}
