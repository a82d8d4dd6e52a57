package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"dropzone/internal/server/database"
	"dropzone/internal/server/expiry"
	"dropzone/internal/server/metrics"
)

// JanitorConfig sets the sweep schedules.
type JanitorConfig struct {
	ExpiredInterval time.Duration
	OrphanInterval  time.Duration
	// OrphanGracePeriod protects blobs written moments ago whose metadata
	// record has not been inserted yet.
	OrphanGracePeriod time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// Janitor physically reclaims expired objects and orphan blobs on two
// independent schedules. Both sweeps are idempotent; failures are logged and
// retried on the next tick.
type Janitor struct {
	repo  database.Repository
	blobs BlobStore
	cfg   JanitorConfig
	now   func() time.Time
	group errgroup.Group
}

// NewJanitor creates a janitor. Call Start to begin sweeping.
func NewJanitor(repo database.Repository, blobs BlobStore, cfg JanitorConfig) *Janitor {
	return &Janitor{
		repo:  repo,
		blobs: blobs,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start launches both sweep loops. Each runs once immediately. Cancelling
// ctx stops the loops after the sweep in progress has finished.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("janitor started",
		"expired_interval", j.cfg.ExpiredInterval,
		"orphan_interval", j.cfg.OrphanInterval,
		"orphan_grace_period", j.cfg.OrphanGracePeriod,
	)

	j.group.Go(func() error {
		j.loop(ctx, "expired", j.cfg.ExpiredInterval, j.SweepExpired)
		return nil
	})
	j.group.Go(func() error {
		j.loop(ctx, "orphan", j.cfg.OrphanInterval, j.SweepOrphans)
		return nil
	})
}

// Wait blocks until both sweep loops have stopped.
func (j *Janitor) Wait() {
	j.group.Wait()
}

func (j *Janitor) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) SweepResult) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A sweep that has started runs to completion even if ctx is cancelled.
	sweepCtx := context.WithoutCancel(ctx)
	run := func() {
		start := time.Now()
		res := sweep(sweepCtx)
		j.cfg.Metrics.ObserveSweep(name, res.Deleted, res.Failed, time.Since(start))
	}

	run()
	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			run()
		case <-ctx.Done():
			slog.Info("janitor sweep stopping", "sweep", name)
			return
		}
	}
}

// SweepExpired deletes every object that is expired by time or by count:
// blob first, then metadata.
func (j *Janitor) SweepExpired(ctx context.Context) SweepResult {
	now := j.now()

	byTime, err := j.repo.ListExpiredBefore(ctx, now)
	if err != nil {
		slog.Error("failed to list expired objects", "error", err)
		return SweepResult{Failed: 1}
	}
	byCount, err := j.repo.ListDownloadLimitReached(ctx)
	if err != nil {
		slog.Error("failed to list exhausted objects", "error", err)
		return SweepResult{Failed: 1}
	}

	seen := make(map[string]bool, len(byTime)+len(byCount))
	var result SweepResult
	for _, obj := range append(byTime, byCount...) {
		if seen[obj.ID] {
			continue
		}
		seen[obj.ID] = true
		result.Scanned++

		verdict := expiry.Evaluate(obj, now)
		if !verdict.Expired() {
			continue
		}

		if err := j.blobs.Delete(ctx, obj.StorageName); err != nil {
			slog.Error("failed to delete blob",
				"object_id", obj.ID,
				"storage_name", obj.StorageName,
				"error", err,
			)
			result.Failed++
			continue
		}

		if err := j.repo.Delete(ctx, obj.ID); err != nil && !errors.Is(err, database.ErrObjectNotFound) {
			slog.Error("failed to delete object record",
				"object_id", obj.ID,
				"error", err,
			)
			result.Failed++
			continue
		}

		result.Deleted++
		slog.Info("reclaimed expired object",
			"object_id", obj.ID,
			"storage_name", obj.StorageName,
			"verdict", verdict.String(),
			"download_count", obj.DownloadCount,
			"expires_at", obj.ExpiresAt,
		)
	}

	slog.Info("expired sweep complete",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"failed", result.Failed,
	)
	return result
}

// SweepOrphans deletes blobs that no metadata record references. Blobs are
// listed before the records, so a blob whose record is created during the
// sweep is never mistaken for an orphan; the grace period covers uploads
// that committed the blob but not yet the record.
func (j *Janitor) SweepOrphans(ctx context.Context) SweepResult {
	blobs, err := j.blobs.List(ctx)
	if err != nil {
		slog.Error("failed to list blobs", "error", err)
		return SweepResult{Failed: 1}
	}

	objects, err := j.repo.ListAll(ctx)
	if err != nil {
		slog.Error("failed to list object records", "error", err)
		return SweepResult{Failed: 1}
	}
	referenced := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		referenced[obj.StorageName] = struct{}{}
	}

	now := j.now()
	var result SweepResult
	for _, blob := range blobs {
		result.Scanned++
		if _, ok := referenced[blob.Name]; ok {
			continue
		}
		if now.Sub(blob.ModTime) < j.cfg.OrphanGracePeriod {
			continue
		}

		if err := j.blobs.Delete(ctx, blob.Name); err != nil {
			slog.Error("failed to delete orphan blob",
				"storage_name", blob.Name,
				"error", err,
			)
			result.Failed++
			continue
		}
		result.Deleted++
		slog.Info("deleted orphan blob", "storage_name", blob.Name, "modified_at", blob.ModTime)
	}

	slog.Info("orphan sweep complete",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"failed", result.Failed,
	)
	return result
}
