package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"ecalsync/internal/catalog"
	"ecalsync/internal/config"
	"ecalsync/internal/ics"
	appLog "ecalsync/internal/log"
	"ecalsync/internal/pipeline"
	"ecalsync/internal/store"
	"ecalsync/internal/taxonomy"
)

const (
	appName    = "ecalsync"
	appVersion = "0.3.0"
)

// Exit codes the scheduler can branch on.
const (
	exitOK      = 0
	exitUsage   = 1
	exitFetch   = 2
	exitExtract = 3
	exitWrite   = 4
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appVersion
	app.Usage = "Normalize the club's eCal feed into a classified event catalog"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "Path to config file",
			Value:  "./ecalsync.yaml",
			EnvVar: "ECALSYNC_CONFIG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Output debug messages",
		},
	}
	app.Commands = []cli.Command{
		runCmd,
		daemonCmd,
		classifyCmd,
		initConfigCmd,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitUsage)
	}
}

// setup loads config and taxonomy and configures logging; failures are
// usage errors.
func setup(c *cli.Context) (*config.Config, *taxonomy.Taxonomy, error) {
	path := c.GlobalString("config")
	cfg, err := config.Load(path)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", path)
		return nil, nil, cli.NewExitError(err.Error(), exitUsage)
	}

	level := appLog.ParseLevel(cfg.LogLevel)
	if c.GlobalBool("debug") {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
	appLog.SetJSON(cfg.LogFormat == "json")

	tax, err := taxonomy.Load(cfg.TaxonomyPath)
	if err != nil {
		appLog.Error("failed to load taxonomy", err, "path", cfg.TaxonomyPath)
		return nil, nil, cli.NewExitError(err.Error(), exitUsage)
	}

	appLog.Info("effective config",
		"source", ics.RedactURL(cfg.SourceURL),
		"timezone", cfg.Timezone,
		"output", cfg.OutputPath,
		"snapshot", cfg.SnapshotPath,
		"taxonomy_version", tax.Version,
		"grace_cycles", cfg.GraceCycles,
		"workers", cfg.Workers,
	)
	return cfg, tax, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var (
		fe *ics.FetchError
		xe *ics.ExtractError
		we *catalog.WriteError
		se *pipeline.SnapshotError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &fe):
		return exitFetch
	case errors.As(err, &xe):
		return exitExtract
	case errors.As(err, &we), errors.As(err, &se), errors.Is(err, store.ErrLocked):
		return exitWrite
	default:
		return exitUsage
	}
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	return cli.NewExitError(err.Error(), exitCode(err))
}
