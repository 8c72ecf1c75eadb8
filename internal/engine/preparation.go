package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hashbackup/hashbackup/internal/catalog"
	"github.com/hashbackup/hashbackup/internal/digest"
	"github.com/sirupsen/logrus"
)

// DryRun selects how much of a run actually touches disk and the catalog.
type DryRun int

const (
	// DryRunOff performs hashing, copying, and catalog writes.
	DryRunOff DryRun = iota
	// DryRunQuick skips hashing, copying, and catalog writes.
	DryRunQuick
	// DryRunFull hashes but skips copying and catalog writes.
	DryRunFull
)

// PreparedBackup is the transient, in-memory record Preparation hands to
// Replication. It is never persisted.
type PreparedBackup struct {
	SourceID             int64
	Path                 string
	FileName             string
	ParentDir            string
	Digest               string
	Size                 int64
	ModTime              int64
	ModifiedSinceCatalog bool
	Destinations         []string
}

type preparationOutcome struct {
	prepared PreparedBackup
	err      error
}

// prepare classifies every discovered file against the catalog, updating it
// as needed, and returns the PreparedBackup entries Replication will
// consume. Preparation runs to completion (a full worker-pool barrier)
// before Replication starts, so its catalog writes happen-before any
// Replication read.
func (e *Engine) prepare(ctx context.Context, discovered map[string][]string) ([]PreparedBackup, int) {
	var allPaths []string
	for _, files := range discovered {
		allPaths = append(allPaths, files...)
	}

	e.progress.setPhase("preparation")
	e.progress.setTotals(int64(len(allPaths)), 0)

	if e.stop.Load() || ctx.Err() != nil {
		return nil, 0
	}

	outcomes := runPool(ctx, allPaths, e.cfg.MaxThreads, e.stop, func(ctx context.Context, path string) preparationOutcome {
		if e.stop.Load() || ctx.Err() != nil {
			return preparationOutcome{err: context.Canceled}
		}
		e.progress.setCurrentFile(path)
		pb, err := e.prepareOne(ctx, path)
		if err == nil {
			e.progress.addFile(pb.Size)
		}
		return preparationOutcome{prepared: pb, err: err}
	})

	var prepared []PreparedBackup
	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			if o.err != context.Canceled {
				failed++
			}
			continue
		}
		prepared = append(prepared, o.prepared)
	}
	return prepared, failed
}

func (e *Engine) prepareOne(ctx context.Context, path string) (PreparedBackup, error) {
	info, err := os.Stat(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("preparation: stat failed, skipping")
		return PreparedBackup{}, &IOError{Op: OpMetadata, Path: path, Err: err}
	}

	name := filepath.Base(path)
	parent := filepath.Dir(path)
	size := info.Size()
	mtime := info.ModTime().Unix()

	existing, found := e.lookupSource(ctx, name, parent)

	var (
		sourceID     int64
		sourceHash   string
		modifiedFlag bool
	)

	switch {
	case !found:
		h, err := e.digestFor(path)
		if err != nil {
			return PreparedBackup{}, err
		}
		sf, err := e.upsertSource(ctx, name, parent, h, size, mtime)
		if err != nil {
			return PreparedBackup{}, err
		}
		sourceID, sourceHash, modifiedFlag = sf.ID, sf.Hash, true

	case found && existing.FileSize == size && existing.LastModified == mtime:
		sourceID, sourceHash, modifiedFlag = existing.ID, existing.Hash, false

	case found && existing.LastModified > mtime:
		// Source mtime regressed relative to the catalog: clock skew or an
		// irrelevant touch. Treat as unchanged rather than re-hashing.
		sourceID, sourceHash, modifiedFlag = existing.ID, existing.Hash, false

	case found && e.cfg.SkipSourceHashCheckIfNewer && existing.FileSize == size && mtime > existing.LastModified:
		sourceID, sourceHash, modifiedFlag = existing.ID, existing.Hash, false

	default:
		h, err := e.digestFor(path)
		if err != nil {
			return PreparedBackup{}, err
		}
		sf, err := e.upsertSource(ctx, name, parent, h, size, mtime)
		if err != nil {
			return PreparedBackup{}, err
		}
		sourceID, sourceHash, modifiedFlag = sf.ID, sf.Hash, true
	}

	dests := make([]string, 0, len(e.cfg.BackupDestinations))
	for _, root := range e.cfg.BackupDestinations {
		for _, src := range e.cfg.BackupSources {
			if rel, relErr := filepath.Rel(src.ParentDirectory, path); relErr == nil && !isOutsideRel(rel) {
				dests = append(dests, filepath.Join(root, rel))
				break
			}
		}
	}

	return PreparedBackup{
		SourceID:             sourceID,
		Path:                 path,
		FileName:             name,
		ParentDir:            parent,
		Digest:               sourceHash,
		Size:                 size,
		ModTime:              mtime,
		ModifiedSinceCatalog: modifiedFlag,
		Destinations:         dests,
	}, nil
}

func (e *Engine) lookupSource(ctx context.Context, name, parent string) (catalog.SourceFile, bool) {
	sf, ok, err := e.catalog.GetSourceByPath(ctx, name, parent)
	if err != nil {
		logrus.WithError(err).WithField("path", filepath.Join(parent, name)).Warn("preparation: catalog lookup failed, treating as new")
		return catalog.SourceFile{}, false
	}
	return sf, ok
}

func (e *Engine) upsertSource(ctx context.Context, name, parent, hash string, size, mtime int64) (catalog.SourceFile, error) {
	if e.dryRun == DryRunQuick || e.dryRun == DryRunFull {
		return catalog.SourceFile{FileName: name, FilePath: parent, Hash: hash, FileSize: size, LastModified: mtime}, nil
	}
	sf, err := e.catalog.UpsertSource(ctx, name, parent, hash, size, mtime)
	if err != nil {
		logrus.WithError(err).WithField("path", filepath.Join(parent, name)).Warn("preparation: catalog update failed, skipping")
		return catalog.SourceFile{}, err
	}
	return sf, nil
}

func (e *Engine) digestFor(path string) (string, error) {
	if e.dryRun == DryRunQuick {
		return "", nil
	}
	h, err := digest.Sum(path, e.cfg.MaxHashBytes())
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("preparation: digest failed, skipping")
		return "", err
	}
	return h, nil
}

func isOutsideRel(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
