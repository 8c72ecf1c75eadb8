package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/hashbackup/hashbackup/internal/digest"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// replicationUnit is one (source, destination) pair Replication evaluates.
type replicationUnit struct {
	prepared PreparedBackup
	dest     string
}

// ReplicationResult is the per-unit outcome Replication reports back to the
// run summary.
type ReplicationResult struct {
	Source  string
	Dest    string
	Copied  bool
	Skipped bool
	Failed  bool
	Bytes   int64
	Err     error
}

func (e *Engine) replicate(ctx context.Context, prepared []PreparedBackup) []ReplicationResult {
	units := lo.FlatMap(prepared, func(pb PreparedBackup, _ int) []replicationUnit {
		return lo.Map(pb.Destinations, func(dest string, _ int) replicationUnit {
			return replicationUnit{prepared: pb, dest: dest}
		})
	})

	var totalBytes int64
	for _, u := range units {
		totalBytes += u.prepared.Size
	}
	e.progress.setPhase("replication")
	e.progress.setTotals(int64(len(units)), totalBytes)

	e.checkFreeSpace(units)

	return runPool(ctx, units, e.cfg.MaxThreads, e.stop, func(ctx context.Context, u replicationUnit) ReplicationResult {
		if e.stop.Load() || ctx.Err() != nil {
			return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Skipped: true, Err: context.Canceled}
		}
		e.progress.setCurrentFile(u.dest)
		res := e.replicateOne(ctx, u)
		if res.Err == nil {
			e.progress.addFile(res.Bytes)
		}
		return res
	})
}

func (e *Engine) replicateOne(ctx context.Context, u replicationUnit) ReplicationResult {
	required, err := e.isBackupRequired(ctx, u)
	if err != nil {
		logrus.WithError(err).WithField("dest", u.dest).Warn("replication: could not decide whether a copy is required")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: err}
	}
	if !required {
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Skipped: true}
	}

	if e.dryRun != DryRunOff {
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Copied: true, Bytes: u.prepared.Size}
	}

	if err := copyAtomic(u.prepared.Path, u.dest); err != nil {
		logrus.WithError(err).WithField("dest", u.dest).Warn("replication: copy failed")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: err}
	}

	destHash, err := digest.Sum(u.dest, e.cfg.MaxHashBytes())
	if err != nil {
		logrus.WithError(err).WithField("dest", u.dest).Warn("replication: could not digest copied file")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: &IOError{Op: OpRead, Path: u.dest, Err: err}}
	}
	if destHash != u.prepared.Digest {
		_ = os.Remove(u.dest)
		logrus.WithFields(logrus.Fields{"source": u.prepared.Path, "dest": u.dest}).Warn("replication: verification failed, destination removed")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: &VerificationError{Source: u.prepared.Path, Dest: u.dest}}
	}

	info, err := os.Stat(u.dest)
	if err != nil {
		logrus.WithError(err).WithField("dest", u.dest).Warn("replication: stat of copied file failed")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: &IOError{Op: OpMetadata, Path: u.dest, Err: err}}
	}

	if _, err := e.catalog.UpsertBackup(ctx, u.prepared.SourceID, filepath.Base(u.dest), filepath.Dir(u.dest), info.ModTime().Unix()); err != nil {
		logrus.WithError(err).WithField("dest", u.dest).Warn("replication: catalog update failed after successful copy")
		return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Failed: true, Err: err}
	}

	return ReplicationResult{Source: u.prepared.Path, Dest: u.dest, Copied: true, Bytes: u.prepared.Size}
}

// isBackupRequired implements §4.F step 2: force wins over the
// newer-mtime-at-destination policy; an untracked destination file is
// treated as reclaimable and always overwritten; a source whose catalog
// row Preparation just rewrote is always copied again.
func (e *Engine) isBackupRequired(ctx context.Context, u replicationUnit) (bool, error) {
	destInfo, err := os.Stat(u.dest)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, &IOError{Op: OpMetadata, Path: u.dest, Err: err}
	}

	if e.cfg.ForceOverwriteBackup {
		return true, nil
	}

	tracked, found, err := e.catalog.GetBackupForSource(ctx, filepath.Base(u.dest), filepath.Dir(u.dest))
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}

	if destInfo.ModTime().Unix() != tracked.LastModified {
		return e.cfg.OverwriteBackupIfExistingIsNewer || destInfo.ModTime().Unix() < tracked.LastModified, nil
	}

	// Preparation has already stored the new digest on the SourceFile row,
	// so the digest comparison below cannot detect this change.
	if u.prepared.ModifiedSinceCatalog {
		return true, nil
	}

	source, found, err := e.catalog.GetSourceByID(ctx, u.prepared.SourceID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return source.Hash != u.prepared.Digest, nil
}

// copyAtomic streams src to a temp file beside dst, syncs, preserves mtime,
// then renames into place. Intermediate directories are created as needed.
// The temp file is removed on any failure so a cancelled or failed copy
// never leaves a partially written file at dst's final name.
func copyAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &IOError{Op: OpWrite, Path: dst, Err: err}
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return &IOError{Op: OpMetadata, Path: src, Err: err}
	}

	in, err := os.Open(src)
	if err != nil {
		return &IOError{Op: OpRead, Path: src, Err: err}
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".hashbackup-tmp-%d", rand.Int63()))
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: OpWrite, Path: tmp, Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return &IOError{Op: OpWrite, Path: tmp, Err: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return &IOError{Op: OpWrite, Path: tmp, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return &IOError{Op: OpWrite, Path: tmp, Err: err}
	}

	modTime := srcInfo.ModTime()
	if err := os.Chtimes(tmp, modTime, modTime); err != nil {
		os.Remove(tmp)
		return &IOError{Op: OpMetadata, Path: tmp, Err: err}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return &IOError{Op: OpRename, Path: dst, Err: err}
	}
	return nil
}
