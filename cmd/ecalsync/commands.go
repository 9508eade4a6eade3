package main

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli"

	"ecalsync/internal/config"
	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
	"ecalsync/internal/pipeline"
	"ecalsync/internal/web"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var runCmd = cli.Command{
	Name:  "run",
	Usage: "Fetch the feed once, merge it into the snapshot and write the catalog",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "input-file",
			Usage: "Read the calendar from a local file instead of the source URL",
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Don't persist the catalog or the snapshot",
		},
	},
	Action: runOnce,
}

var daemonCmd = cli.Command{
	Name:   "daemon",
	Usage:  "Run on the configured cron schedule and serve the status endpoint",
	Action: runDaemon,
}

var classifyCmd = cli.Command{
	Name:  "classify",
	Usage: "Classify a calendar document and print the result as JSON, without touching the snapshot",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "input-file",
			Usage: "Calendar file to classify; the source URL is fetched when empty",
		},
		cli.BoolFlag{
			Name:  "flagged",
			Usage: "Only print events with at least one flag",
		},
	},
	Action: runClassify,
}

var initConfigCmd = cli.Command{
	Name:  "init-config",
	Usage: "Write a default config file",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "force",
			Usage: "Overwrite an existing file",
		},
	},
	Action: initConfig,
}

func runOnce(c *cli.Context) error {
	cfg, tax, err := setup(c)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, tax)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := p.Run(ctx, pipeline.RunOptions{
		InputFile: c.String("input-file"),
		DryRun:    c.Bool("dry-run"),
	})
	if err != nil {
		appLog.Error("run failed", err, "exit_code", exitCode(err))
		return exitError(err)
	}
	if top := rep.TopFlags(); len(top) > 0 {
		appLog.Info("flagged entries", "most_common", top[0], "count", rep.Flagged[top[0]], "kinds", len(top))
	}
	if rep.DryRun {
		return printJSON(rep)
	}
	return nil
}

func runDaemon(c *cli.Context) error {
	cfg, tax, err := setup(c)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, tax)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var srv *web.Server
	if cfg.Listen != "" {
		srv = web.NewServer(cfg)
	}

	cronLog := cron.PrintfLogger(appLog.Logger())
	sched := cron.New(
		cron.WithLocation(cfg.Location()),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	var entryID cron.EntryID
	job := func() {
		if srv != nil {
			srv.RunStarted()
		}
		rep, err := p.Run(ctx, pipeline.RunOptions{})
		if err != nil {
			appLog.Error("scheduled run failed", err, "exit_code", exitCode(err))
		}
		if srv != nil {
			srv.RunFinished(rep, err)
			srv.SetNextRun(sched.Entry(entryID).Next)
		}
	}
	entryID, err = sched.AddFunc(cfg.Schedule, job)
	if err != nil {
		return cli.NewExitError("invalid schedule "+cfg.Schedule+": "+err.Error(), exitUsage)
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				serveErr <- err
				cancel()
			}
		}()
	}

	sched.Start()
	appLog.Info("daemon started", "schedule", cfg.Schedule, "listen", cfg.Listen)
	if srv != nil {
		srv.SetNextRun(sched.Entry(entryID).Next)
	}

	// Run once at startup instead of waiting for the first tick.
	sched.Entry(entryID).WrappedJob.Run()

	<-ctx.Done()
	stopped := sched.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		appLog.Warn("timed out waiting for the running job")
	}
	wg.Wait()

	select {
	case err := <-serveErr:
		return cli.NewExitError("status server: "+err.Error(), exitUsage)
	default:
	}
	appLog.Info("daemon exiting")
	return nil
}

// classified is one line of the classify command's output.
type classified struct {
	ID       string    `json:"id"`
	SourceID string    `json:"source_id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	model.ClassifiedEvent
}

func runClassify(c *cli.Context) error {
	cfg, tax, err := setup(c)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, tax)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}

	ctx, cancel := signalContext()
	defer cancel()

	fetched, err := p.Fetch(ctx, c.String("input-file"))
	if err != nil {
		return exitError(err)
	}

	observed, _, err := p.ClassifyDocument(ctx, fetched.Body)
	if err != nil {
		return exitError(err)
	}

	out := make([]classified, 0, len(observed))
	for _, o := range observed {
		if c.Bool("flagged") && len(o.Class.Flags) == 0 {
			continue
		}
		out = append(out, classified{
			ID:              o.ID,
			SourceID:        o.Raw.SourceID,
			Title:           o.Raw.Title,
			Start:           o.Raw.Start,
			ClassifiedEvent: o.Class,
		})
	}
	return printJSON(out)
}

func initConfig(c *cli.Context) error {
	path := c.GlobalString("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return cli.NewExitError(path+" already exists (use --force to overwrite)", exitUsage)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	appLog.Info("wrote default config", "path", path)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	return nil
}
