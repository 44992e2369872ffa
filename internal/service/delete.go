package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"docvault/internal/access"
	"docvault/internal/events"
	"docvault/internal/model"
	"docvault/internal/repository"
	"docvault/internal/storage"
)

// Delete marks the record first so concurrent deletes race on the mark
// only; blob and record removal that fails afterwards is retried by Sweep.
func (s *documentService) Delete(ctx context.Context, who model.Identity, id string) error {
	doc, err := s.find(ctx, who, id)
	if err != nil {
		return err
	}
	if !access.CanDelete(who, doc) {
		return ErrNotFound
	}

	if err := s.repo.MarkDeleted(ctx, doc.ID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return infraErr(ctx, ErrCatalogUnavailable, err)
	}

	log := s.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"storage_key": doc.StorageKey,
		"actor_id":    who.UserID,
	})

	cctx, cancel := s.detached(ctx)
	defer cancel()
	if err := s.store.Delete(cctx, doc.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithFields(logrus.Fields{"event": "delete_deferred", "error": err.Error()}).
			Warn("blob delete failed, left for sweeper")
	} else if err := s.repo.Delete(cctx, doc.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.WithFields(logrus.Fields{"event": "delete_deferred", "error": err.Error()}).
			Warn("record purge failed, left for sweeper")
	}

	s.publish(ctx, events.Event{
		Type:       events.DocumentDeleted,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		ActorID:    who.UserID,
	})
	log.WithField("event", "document_deleted").Info("document deleted")
	return nil
}
