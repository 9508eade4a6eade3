// Package pipeline runs one feed-to-catalog cycle: fetch, extract, classify,
// merge against the snapshot and write the catalog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"ecalsync/internal/catalog"
	"ecalsync/internal/classify"
	"ecalsync/internal/config"
	"ecalsync/internal/ics"
	"ecalsync/internal/links"
	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
	"ecalsync/internal/normalize"
	"ecalsync/internal/store"
	"ecalsync/internal/taxonomy"
)

// SnapshotError reports that the snapshot could not be opened or committed.
// store.ErrLocked stays reachable through errors.Is.
type SnapshotError struct {
	Path string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Path, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// RunOptions selects the input and whether anything is persisted.
type RunOptions struct {
	// InputFile replaces the network fetch with a local document.
	InputFile string
	// DryRun classifies and merges but writes neither catalog nor snapshot.
	DryRun bool
}

// Report summarizes a run. It is logged by the CLI and served by the daemon's
// status endpoint.
type Report struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run,omitempty"`

	FromCache bool `json:"from_cache,omitempty"`
	Stale     bool `json:"stale,omitempty"`
	Attempts  int  `json:"attempts"`

	Events     int      `json:"events"`
	Duplicates int      `json:"duplicates"`
	Warnings   []string `json:"warnings,omitempty"`

	Stats      normalize.MergeStats          `json:"stats"`
	Violations []normalize.MatchdayViolation `json:"matchday_violations,omitempty"`
	Flagged    map[model.Flag]int            `json:"flagged,omitempty"`
	Entries    int                           `json:"entries"`
}

// Pipeline holds the per-process pieces of a run. It is safe to call Run
// repeatedly; concurrent runs serialize on the snapshot lock.
type Pipeline struct {
	cfg     *config.Config
	fetcher *ics.Fetcher
	engine  *classify.Engine
	links   *links.Extractor
	writer  *catalog.Writer

	now func() time.Time
}

// New compiles the taxonomy and prepares the fetcher and writer.
func New(cfg *config.Config, tax *taxonomy.Taxonomy) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is nil")
	}
	engine, err := classify.New(tax)
	if err != nil {
		return nil, eris.Wrap(err, "compile classification rules")
	}
	lx, err := links.New(tax)
	if err != nil {
		return nil, eris.Wrap(err, "compile link rules")
	}
	return &Pipeline{
		cfg: cfg,
		fetcher: ics.NewFetcher(ics.FetchOptions{
			CacheDir:       cfg.CacheDir,
			Timeout:        cfg.Fetch.Timeout,
			Retries:        cfg.Fetch.Retries,
			InitialBackoff: cfg.Fetch.InitialBackoff,
			MaxBackoff:     cfg.Fetch.MaxBackoff,
			UseStaleCache:  cfg.Fetch.UseStaleCache,
		}),
		engine: engine,
		links:  lx,
		writer: catalog.NewWriter(cfg.OutputPath, cfg.Retention),
		now:    time.Now,
	}, nil
}

// TaxonomyVersion is the version stamped on catalogs this pipeline writes.
func (p *Pipeline) TaxonomyVersion() string { return p.engine.Version() }

// Run executes one cycle. Fetch, extract and write failures abort the run
// with *ics.FetchError, *ics.ExtractError, *catalog.WriteError or
// *SnapshotError, leaving the previous catalog and snapshot untouched.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	loc := p.cfg.Location()
	started := p.now().In(loc)
	rep := &Report{
		RunID:     uuid.NewString(),
		StartedAt: started,
		DryRun:    opts.DryRun,
	}

	fetched, err := p.Fetch(ctx, opts.InputFile)
	if err != nil {
		return rep, err
	}
	rep.Source = ics.RedactURL(fetched.URL)
	rep.FromCache, rep.Stale, rep.Attempts = fetched.FromCache, fetched.Stale, fetched.Attempts
	if fetched.Stale {
		appLog.Warn("using stale cached feed", "source", rep.Source)
	}

	extracted, err := ics.Extract(fetched.Body, ics.ExtractOptions{
		Location:       loc,
		Now:            started,
		Backfill:       time.Duration(p.cfg.Expand.BackfillDays) * 24 * time.Hour,
		Horizon:        time.Duration(p.cfg.Expand.HorizonDays) * 24 * time.Hour,
		MaxOccurrences: p.cfg.Expand.MaxOccurrences,
	})
	if err != nil {
		return rep, err
	}
	rep.Events, rep.Duplicates, rep.Warnings = len(extracted.Events), extracted.Duplicates, extracted.Warnings
	for _, w := range extracted.Warnings {
		appLog.Warn("skipped calendar entry", "reason", w)
	}

	observed, err := p.classifyAll(ctx, extracted.Events)
	if err != nil {
		return rep, err
	}
	normalize.AssignIdentities(observed)

	// Last chance to abort without touching anything on disk.
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	mergeOpts := normalize.MergeOptions{Grace: p.cfg.GraceCycles, Now: started, Retention: p.cfg.Retention}
	var entries []model.CatalogEntry

	if opts.DryRun {
		prev, err := p.snapshotEntries()
		if err != nil {
			return rep, &SnapshotError{Path: p.cfg.SnapshotPath, Err: err}
		}
		res := normalize.Merge(prev, observed, mergeOpts)
		rep.Violations = normalize.MarkMatchdays(res.Entries)
		rep.Stats, entries = res.Stats, res.Entries
	} else {
		st, err := store.Open(p.cfg.SnapshotPath, p.cfg.LockTimeout)
		if err != nil {
			return rep, &SnapshotError{Path: p.cfg.SnapshotPath, Err: err}
		}
		defer st.Close()

		err = st.Update(func(prev []model.CatalogEntry) ([]model.CatalogEntry, store.RunMeta, error) {
			res := normalize.Merge(prev, observed, mergeOpts)
			violations := normalize.MarkMatchdays(res.Entries)

			err := p.writer.Write(catalog.Catalog{
				TaxonomyVersion: p.engine.Version(),
				RunID:           rep.RunID,
				GeneratedAt:     started,
				Source:          rep.Source,
				Entries:         res.Entries,
			})
			if err != nil {
				return nil, store.RunMeta{}, err
			}
			rep.Stats, rep.Violations, entries = res.Stats, violations, res.Entries
			return res.Entries, store.RunMeta{
				RunID:           rep.RunID,
				FinishedAt:      p.now().In(loc),
				TaxonomyVersion: p.engine.Version(),
				Entries:         len(res.Entries),
			}, nil
		})
		if err != nil {
			var we *catalog.WriteError
			if errors.As(err, &we) {
				return rep, err
			}
			return rep, &SnapshotError{Path: p.cfg.SnapshotPath, Err: err}
		}
	}

	for _, v := range rep.Violations {
		appLog.Warn("matchday out of sequence",
			"competition", v.Competition,
			"season", v.Season,
			"previous", v.PrevMatchday,
			"matchday", v.Matchday,
			"id", v.ID,
		)
	}
	rep.Entries = len(entries)
	rep.Flagged = countFlags(entries)
	rep.FinishedAt = p.now().In(loc)

	appLog.Info("run finished",
		"run_id", rep.RunID,
		"dry_run", opts.DryRun,
		"events", rep.Events,
		"entries", rep.Entries,
		"inserted", rep.Stats.Inserted,
		"updated", rep.Stats.Updated,
		"missing", rep.Stats.Missing,
		"removed", rep.Stats.Removed,
		"pruned", rep.Stats.Pruned,
		"duration", rep.FinishedAt.Sub(started).String(),
	)
	return rep, nil
}

// snapshotEntries reads the committed snapshot without creating it or taking
// the write lock. No snapshot yet means no previous entries.
func (p *Pipeline) snapshotEntries() ([]model.CatalogEntry, error) {
	st, err := store.OpenReadOnly(p.cfg.SnapshotPath, p.cfg.LockTimeout)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Entries()
}

// Fetch reads inputFile when set, and the configured source URL otherwise.
func (p *Pipeline) Fetch(ctx context.Context, inputFile string) (ics.FetchResult, error) {
	if inputFile != "" {
		return ics.ReadFile(inputFile)
	}
	return p.fetcher.Fetch(ctx, p.cfg.SourceURL)
}

// classifyAll classifies events and extracts their links on a bounded worker
// pool. Results keep the input order.
func (p *Pipeline) classifyAll(ctx context.Context, events []model.RawEvent) ([]normalize.Observed, error) {
	out := make([]normalize.Observed, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i := range events {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw := events[i]
			c := p.engine.Classify(raw)
			c.Links = p.links.Extract(raw.Description, raw.DescriptionHTML)
			out[i] = normalize.Observed{Raw: raw, Class: c}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClassifyDocument extracts and classifies a document without touching the
// snapshot. Used by the classify command to try out taxonomy edits.
func (p *Pipeline) ClassifyDocument(ctx context.Context, body []byte) ([]normalize.Observed, ics.ExtractResult, error) {
	started := p.now()
	extracted, err := ics.Extract(body, ics.ExtractOptions{
		Location:       p.cfg.Location(),
		Now:            started,
		Backfill:       time.Duration(p.cfg.Expand.BackfillDays) * 24 * time.Hour,
		Horizon:        time.Duration(p.cfg.Expand.HorizonDays) * 24 * time.Hour,
		MaxOccurrences: p.cfg.Expand.MaxOccurrences,
	})
	if err != nil {
		return nil, extracted, err
	}
	observed, err := p.classifyAll(ctx, extracted.Events)
	if err != nil {
		return nil, extracted, err
	}
	normalize.AssignIdentities(observed)
	return observed, extracted, nil
}

func countFlags(entries []model.CatalogEntry) map[model.Flag]int {
	counts := make(map[model.Flag]int)
	for _, e := range entries {
		if e.Status == model.StatusRemoved {
			continue
		}
		for _, f := range e.Flags {
			counts[f]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// TopFlags returns flag names ordered by count, most frequent first.
func (r *Report) TopFlags() []model.Flag {
	out := make([]model.Flag, 0, len(r.Flagged))
	for f := range r.Flagged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if r.Flagged[out[i]] != r.Flagged[out[j]] {
			return r.Flagged[out[i]] > r.Flagged[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
