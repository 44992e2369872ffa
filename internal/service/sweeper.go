package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"docvault/internal/repository"
	"docvault/internal/storage"
)

// Sweep runs one reconciliation pass. Stale intents whose blob reached
// the catalog are committed; the others have their blob deleted first.
// Records carrying a deletion mark lose their blob and are then purged.
// A failing item is counted and left for the next pass.
func (s *documentService) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "DocumentService.Sweep")
	defer span.End()

	var rep SweepReport

	intents, err := s.journal.Pending(ctx, s.opts.SweepGrace)
	if err != nil {
		return rep, err
	}
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := s.log.WithFields(logrus.Fields{"storage_key": in.StorageKey, "document_id": in.DocumentID})

		cataloged, err := s.repo.ExistsByStorageKey(ctx, in.StorageKey)
		if err != nil {
			rep.Failures++
			s.metrics.SweeperActions.WithLabelValues("failed").Inc()
			log.WithField("error", err.Error()).Warn("sweeper: catalog lookup failed")
			continue
		}
		if !cataloged {
			if err := s.store.Delete(ctx, in.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
				rep.Failures++
				s.metrics.SweeperActions.WithLabelValues("failed").Inc()
				log.WithField("error", err.Error()).Warn("sweeper: orphan delete failed")
				continue
			}
			rep.OrphansDeleted++
			s.metrics.SweeperActions.WithLabelValues("orphan_deleted").Inc()
			log.WithField("event", "orphan_deleted").Info("sweeper removed orphaned blob")
		}
		if err := s.journal.Commit(ctx, in.StorageKey); err != nil {
			rep.Failures++
			log.WithField("error", err.Error()).Warn("sweeper: intent commit failed")
			continue
		}
		rep.IntentsCommitted++
		s.metrics.SweeperActions.WithLabelValues("intent_committed").Inc()
	}

	marked, err := s.repo.FindMarked(ctx, s.opts.SweepBatch)
	if err != nil {
		return rep, infraErr(ctx, ErrCatalogUnavailable, err)
	}
	for i := range marked {
		doc := &marked[i]
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := s.log.WithFields(logrus.Fields{"storage_key": doc.StorageKey, "document_id": doc.ID})

		if err := s.store.Delete(ctx, doc.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			rep.Failures++
			s.metrics.SweeperActions.WithLabelValues("failed").Inc()
			log.WithField("error", err.Error()).Warn("sweeper: blob delete failed")
			continue
		}
		if err := s.repo.Delete(ctx, doc.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			rep.Failures++
			s.metrics.SweeperActions.WithLabelValues("failed").Inc()
			log.WithField("error", err.Error()).Warn("sweeper: record purge failed")
			continue
		}
		rep.Purged++
		s.metrics.SweeperActions.WithLabelValues("purged").Inc()
	}

	if rep != (SweepReport{}) {
		s.log.WithFields(logrus.Fields{
			"event":             "sweep_done",
			"intents_committed": rep.IntentsCommitted,
			"orphans_deleted":   rep.OrphansDeleted,
			"purged":            rep.Purged,
			"failures":          rep.Failures,
		}).Info("sweep finished")
	}
	return rep, nil
}

// RunSweeper calls svc.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, svc DocumentService, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithField("error", err.Error()).Error("sweep failed")
			}
		}
	}
}
