// Package engine implements the three-phase discover/prepare/replicate
// backup pipeline: Discovery walks source trees, Preparation classifies
// files against the catalog, and Replication copies and verifies changed
// files at each destination.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hashbackup/hashbackup/internal/catalog"
	"github.com/hashbackup/hashbackup/internal/config"
	"github.com/hashbackup/hashbackup/internal/discovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine owns the catalog handle, run state, and progress counters for a
// single configured backup job. Only one run may be Running at a time.
type Engine struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	log     *logrus.Logger

	progress *progress
	stop     *stopFlag
	dryRun   DryRun

	runMu   sync.Mutex
	running bool
}

// New constructs an Engine bound to the given config and catalog. The
// caller owns the catalog's lifecycle (Open/Close).
func New(cfg *config.Config, cat *catalog.Catalog, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		cfg:      cfg,
		catalog:  cat,
		log:      log,
		progress: newProgress(),
		stop:     &stopFlag{},
	}
}

// Summary is the result of one completed, failed, or cancelled run.
type Summary struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	State       State
	FilesSeen   int
	Prepared    int
	PrepFailed  int
	Copied      int
	Unchanged   int
	Failed      int
	BytesCopied int64
	DryRun      DryRun
	Err         error
	Outcomes    []FileOutcome
}

// FileOutcome records the disposition of one (source, destination) pair, for
// callers building a run report.
type FileOutcome struct {
	SourcePath string
	DestPath   string
	Status     string // "copied", "unchanged", "failed"
	Size       int64
	Detail     string
}

// Run executes one full discover/prepare/replicate pass. It returns
// engine.ErrAlreadyRunning if a run is already in progress.
func (e *Engine) Run(ctx context.Context, dryRun DryRun) (Summary, error) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return Summary{}, ErrAlreadyRunning
	}
	e.running = true
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
	}()

	e.stop.reset()
	e.dryRun = dryRun
	e.progress.setState(StateRunning)

	summary := Summary{
		RunID:     catalog.NewRunID(),
		StartedAt: time.Now(),
		DryRun:    dryRun,
	}

	sources := make([]discovery.Source, 0, len(e.cfg.BackupSources))
	for _, s := range e.cfg.BackupSources {
		sources = append(sources, discovery.Source{
			ParentDirectory: s.ParentDirectory,
			MaxDepth:        s.MaxDepth,
			SkipDirs:        s.SkipDirs,
		})
	}

	e.progress.setPhase("discovery")
	discovered := discovery.WalkAll(sources)
	for _, files := range discovered {
		summary.FilesSeen += len(files)
	}

	prepared, prepFailed := e.prepare(ctx, discovered)
	summary.Prepared = len(prepared)
	summary.PrepFailed = prepFailed

	if e.stop.Load() || ctx.Err() != nil {
		summary.State = StateCancelled
		summary.CompletedAt = time.Now()
		e.finish(summary)
		return summary, nil
	}

	results := e.replicate(ctx, prepared)
	summary.Outcomes = make([]FileOutcome, 0, len(results))
	for _, r := range results {
		if r.Err == context.Canceled {
			continue
		}
		fo := FileOutcome{SourcePath: r.Source, DestPath: r.Dest, Size: r.Bytes}
		switch {
		case r.Copied:
			summary.Copied++
			summary.BytesCopied += r.Bytes
			fo.Status = "copied"
		case r.Skipped:
			summary.Unchanged++
			fo.Status = "unchanged"
		case r.Failed:
			summary.Failed++
			fo.Status = "failed"
			if r.Err != nil {
				fo.Detail = r.Err.Error()
			}
		default:
			continue
		}
		summary.Outcomes = append(summary.Outcomes, fo)
	}

	summary.CompletedAt = time.Now()
	if e.stop.Load() || ctx.Err() != nil {
		summary.State = StateCancelled
	} else {
		summary.State = StateCompleted
	}

	e.finish(summary)
	return summary, nil
}

func (e *Engine) finish(s Summary) {
	e.progress.setState(s.State)
	errMsg := ""
	if s.Err != nil {
		errMsg = s.Err.Error()
	}
	e.catalog.AppendHistory(catalog.RunSummary{
		ID:          s.RunID,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		State:       string(s.State),
		Copied:      s.Copied,
		Unchanged:   s.Unchanged,
		Failed:      s.Failed,
		BytesCopied: s.BytesCopied,
		DryRun:      s.DryRun != DryRunOff,
		Error:       errMsg,
	})
}

// Status returns a point-in-time snapshot of the current or most recent
// run's progress.
func (e *Engine) Status() Status {
	return e.progress.snapshot()
}

// History returns up to limit of the most recent run summaries.
func (e *Engine) History(limit int) []catalog.RunSummary {
	return e.catalog.ListHistory(limit)
}

// RequestStop asks the current run to cancel cooperatively. Idempotent;
// safe to call whether or not a run is in progress.
func (e *Engine) RequestStop() {
	e.stop.Request()
}

// Registry exposes the engine's Prometheus instruments so an external
// control plane can scrape progress without this package owning any HTTP
// transport.
func (e *Engine) Registry() *prometheus.Registry {
	return e.progress.registry
}

func (e *Engine) checkFreeSpace(units []replicationUnit) {
	if e.cfg.MinFreeSpaceMiB <= 0 {
		return
	}
	var byDest = map[string]int64{}
	for _, u := range units {
		byDest[u.dest] += u.prepared.Size
	}
	seen := map[string]bool{}
	for dest, projected := range byDest {
		root := destRootFor(dest, e.cfg.BackupDestinations)
		if root == "" || seen[root] {
			continue
		}
		seen[root] = true
		avail, err := freeSpace(root)
		if err != nil {
			e.log.WithError(err).WithField("destination", root).Warn("engine: could not check free space")
			continue
		}
		minBytes := uint64(e.cfg.MinFreeSpaceMiB) * 1024 * 1024
		if avail < minBytes+uint64(projected) {
			e.log.WithFields(logrus.Fields{
				"destination": root,
				"available":   avail,
				"minimum":     minBytes,
			}).Warn("engine: destination is below the configured free space threshold")
		}
	}
}

func destRootFor(dest string, roots []string) string {
	for _, r := range roots {
		if len(dest) >= len(r) && dest[:len(r)] == r {
			return r
		}
	}
	return ""
}
