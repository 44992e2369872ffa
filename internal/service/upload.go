package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"docvault/internal/access"
	"docvault/internal/events"
	"docvault/internal/journal"
	"docvault/internal/model"
	"docvault/internal/storage"
)

// UploadState is a step of the upload pipeline.
type UploadState int

const (
	StateReceived UploadState = iota
	StateKeyGenerated
	StateEncrypted
	StateStored
	StateCataloged
	StateDone
	StateFailed
)

func (s UploadState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateKeyGenerated:
		return "key_generated"
	case StateEncrypted:
		return "encrypted"
	case StateStored:
		return "stored"
	case StateCataloged:
		return "cataloged"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	monthPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])$`)
	yearPattern  = regexp.MustCompile(`^[0-9]{4}$`)
)

const maxNameLen = 255

// sanitizeFilename keeps only the final path element of name.
func sanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", validation("file name is required")
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", validation("file name contains control characters")
	}
	if len(name) > maxNameLen {
		return "", validation("file name longer than %d bytes", maxNameLen)
	}
	return name, nil
}

func validOwnerID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".." &&
		strings.IndexFunc(id, unicode.IsControl) < 0
}

func validatePeriod(month, year string) error {
	if month != "" && !monthPattern.MatchString(month) {
		return validation("month must be 01-12")
	}
	if year != "" && !yearPattern.MatchString(year) {
		return validation("year must have 4 digits")
	}
	return nil
}

func (s *documentService) validateUpload(in *UploadInput) error {
	if in.Body == nil {
		return validation("file is required")
	}
	if !validOwnerID(in.OwnerID) {
		return validation("owner_id is required")
	}
	if in.Month == "" || in.Year == "" {
		return validation("month and year are required")
	}
	if err := validatePeriod(in.Month, in.Year); err != nil {
		return err
	}
	name, err := sanitizeFilename(in.Filename)
	if err != nil {
		return err
	}
	in.Filename = name
	if in.Size <= 0 {
		return validation("file is empty")
	}
	if in.Size > s.opts.MaxUploadSize {
		return validation("file exceeds %d bytes", s.opts.MaxUploadSize)
	}
	if in.ContentType == "" {
		in.ContentType = mime.TypeByExtension(path.Ext(name))
	}
	if in.ContentType == "" {
		in.ContentType = "application/octet-stream"
	}
	return nil
}

// upload tracks one run of the pipeline.
type upload struct {
	svc   *documentService
	who   model.Identity
	in    UploadInput
	state UploadState
	log   *logrus.Entry

	doc *model.Document
	// keepIntent is set when cleanup could not confirm the blob is gone;
	// the journal intent then stays for the sweeper.
	keepIntent bool
}

func (u *upload) transition(next UploadState) {
	u.log.WithFields(logrus.Fields{
		"event": "upload_transition",
		"from":  u.state.String(),
		"to":    next.String(),
	}).Debug("upload state changed")
	u.state = next
}

func (u *upload) fail(err error) error {
	u.log.WithFields(logrus.Fields{
		"event":  "upload_failed",
		"state":  u.state.String(),
		"reason": err.Error(),
	}).Warn("upload failed")
	u.state = StateFailed
	u.svc.metrics.Uploads.WithLabelValues(outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrClientDisconnected):
		return "disconnected"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrCatalogWrite):
		return "catalog_write"
	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog_unavailable"
	case errors.Is(err, ErrKeyringUnavailable):
		return "keyring_unavailable"
	default:
		return "error"
	}
}

func (s *documentService) Upload(ctx context.Context, who model.Identity, in UploadInput) (*model.DocumentView, error) {
	ctx, span := tracer.Start(ctx, "DocumentService.Upload")
	defer span.End()

	u := &upload{
		svc:   s,
		who:   who,
		in:    in,
		state: StateReceived,
		log:   s.log.WithFields(logrus.Fields{"actor_id": who.UserID, "owner_id": in.OwnerID}),
	}
	view, err := u.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", view.ID), attribute.Int64("document.size", view.Size))
	return view, nil
}

func (u *upload) run(ctx context.Context) (*model.DocumentView, error) {
	s := u.svc

	if !access.CanWrite(u.who) {
		return nil, u.fail(ErrUnauthorized)
	}
	if err := s.validateUpload(&u.in); err != nil {
		return nil, u.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, u.fail(wrap(ErrClientDisconnected, err))
	}

	mat, err := s.keys.Generate()
	if err != nil {
		return nil, u.fail(fmt.Errorf("generate key material: %w", err))
	}
	defer mat.Wipe()

	keyID, wrapped, err := s.keyring.Wrap(ctx, mat.Key)
	if err != nil {
		return nil, u.fail(infraErr(ctx, ErrKeyringUnavailable, err))
	}
	u.transition(StateKeyGenerated)

	now := s.now().UTC()
	u.doc = &model.Document{
		ID:           uuid.NewString(),
		OwnerID:      u.in.OwnerID,
		WrappedKey:   wrapped,
		KeyID:        keyID,
		IV:           append([]byte(nil), mat.IV...),
		Algorithm:    string(s.codec.Algorithm()),
		OriginalName: u.in.Filename,
		MimeType:     u.in.ContentType,
		SizeBytes:    u.in.Size,
		UploadedAt:   now,
		UploadedBy:   u.who.UserID,
		Month:        u.in.Month,
		Year:         u.in.Year,
	}
	if err := u.reserve(ctx, now); err != nil {
		return nil, u.fail(err)
	}
	u.log = u.log.WithFields(logrus.Fields{"document_id": u.doc.ID, "storage_key": u.doc.StorageKey})

	if err := u.store(ctx, mat.Key, mat.IV); err != nil {
		if !u.keepIntent {
			u.commitIntent(ctx)
		}
		return nil, u.fail(err)
	}
	u.transition(StateStored)

	if err := ctx.Err(); err != nil {
		u.compensate(ctx, err)
		return nil, u.fail(wrap(ErrClientDisconnected, err))
	}

	stored, err := s.repo.Create(ctx, u.doc)
	if err != nil {
		committed := u.abortCatalog(ctx, err)
		switch {
		case ctx.Err() != nil:
			return nil, u.fail(wrap(ErrClientDisconnected, err))
		case !committed:
			return nil, u.fail(wrap(ErrCatalogWrite, err))
		}
		stored = u.doc
	}
	u.transition(StateCataloged)

	u.commitIntent(ctx)
	u.transition(StateDone)
	s.metrics.Uploads.WithLabelValues("done").Inc()
	s.publish(ctx, events.Event{
		Type:       events.DocumentUploaded,
		DocumentID: stored.ID,
		OwnerID:    stored.OwnerID,
		ActorID:    u.who.UserID,
	})
	u.log.WithField("event", "upload_done").Info("document uploaded")

	view := stored.View()
	return &view, nil
}

const keyAttempts = 5

// reserve picks the storage key and records the upload intent for it. Two
// uploads of the same name for the same owner and period within one
// millisecond would share a key, so a key held by a pending intent or a
// cataloged record moves the timestamp forward.
func (u *upload) reserve(ctx context.Context, now time.Time) error {
	s := u.svc
	for i := int64(0); i < keyAttempts; i++ {
		key := fmt.Sprintf("%s/%s/%s/%d-%s", u.in.OwnerID, u.in.Year, u.in.Month, now.UnixMilli()+i, u.in.Filename)

		err := s.journal.Begin(ctx, journal.Intent{StorageKey: key, DocumentID: u.doc.ID, StartedAt: now})
		if errors.Is(err, journal.ErrIntentExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("record upload intent: %w", err)
		}
		u.doc.StorageKey = key

		taken, err := s.repo.ExistsByStorageKey(ctx, key)
		if err != nil {
			u.commitIntent(ctx)
			return infraErr(ctx, ErrCatalogUnavailable, err)
		}
		if !taken {
			return nil
		}
		u.commitIntent(ctx)
	}
	return fmt.Errorf("no free storage key after %d attempts", keyAttempts)
}

// store encrypts the body and writes the ciphertext. Small files are
// sealed in memory so the write can be retried; larger ones stream
// through a pipe.
func (u *upload) store(ctx context.Context, key, iv []byte) error {
	s := u.svc
	opt := storage.PutObjectOptions{
		Size:        s.codec.CiphertextSize(u.in.Size),
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"document-id": u.doc.ID,
			"algorithm":   u.doc.Algorithm,
		},
	}

	if u.in.Size <= s.opts.BufferThreshold {
		plain, err := io.ReadAll(io.LimitReader(u.in.Body, u.in.Size+1))
		if err != nil {
			return infraErr(ctx, ErrValidation, fmt.Errorf("read upload: %w", err))
		}
		if int64(len(plain)) != u.in.Size {
			return validation("file size %d does not match declared %d", len(plain), u.in.Size)
		}
		ct, err := s.codec.Encrypt(plain, key, iv)
		clear(plain)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		u.transition(StateEncrypted)
		if _, err := s.store.Put(ctx, u.doc.StorageKey, bytes.NewReader(ct), opt); err != nil {
			return infraErr(ctx, ErrStoreUnavailable, err)
		}
		return nil
	}

	pr, pw := io.Pipe()
	encDone := make(chan error, 1)
	go func() {
		encDone <- u.encryptTo(pw, key, iv)
	}()

	u.transition(StateEncrypted)
	_, putErr := s.store.Put(ctx, u.doc.StorageKey, pr, opt)
	pr.CloseWithError(errPutFinished)
	encErr := <-encDone

	switch {
	case putErr == nil && encErr == nil:
		return nil
	case putErr == nil:
		// The store took its declared size and the body kept going, or the
		// body broke after the last byte was read: a complete blob exists.
		if errors.Is(encErr, errPutFinished) {
			encErr = validation("file larger than declared %d bytes", u.in.Size)
		}
		u.compensate(ctx, encErr)
		if errors.Is(encErr, ErrValidation) {
			return encErr
		}
		return fmt.Errorf("encrypt: %w", encErr)
	case errors.Is(encErr, ErrValidation):
		u.removePartial(ctx)
		return encErr
	default:
		u.removePartial(ctx)
		return infraErr(ctx, ErrStoreUnavailable, putErr)
	}
}

var errPutFinished = errors.New("object store stopped reading")

func (u *upload) encryptTo(pw *io.PipeWriter, key, iv []byte) (err error) {
	defer func() { pw.CloseWithError(err) }()

	w, err := u.svc.codec.NewEncryptWriter(pw, key, iv)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, io.LimitReader(u.in.Body, u.in.Size+1))
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if n != u.in.Size {
		return validation("file size %d does not match declared %d", n, u.in.Size)
	}
	return w.Close()
}

// removePartial deletes whatever an aborted streaming put may have left.
// When the delete fails the intent is kept so the sweeper retries it.
func (u *upload) removePartial(ctx context.Context) {
	cctx, cancel := u.svc.detached(ctx)
	defer cancel()
	if err := u.svc.store.Delete(cctx, u.doc.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		u.keepIntent = true
		u.log.WithFields(logrus.Fields{
			"event": "partial_cleanup_deferred",
			"error": err.Error(),
		}).Warn("partial blob cleanup failed, left for sweeper")
	}
}

// abortCatalog handles a failed Create. A failed or cancelled insert may
// still have committed, so the catalog is asked before the blob is
// removed. It reports whether the record exists.
func (u *upload) abortCatalog(ctx context.Context, cause error) bool {
	s := u.svc
	cctx, cancel := s.detached(ctx)
	defer cancel()

	exists, err := s.repo.ExistsByStorageKey(cctx, u.doc.StorageKey)
	switch {
	case err != nil:
		u.keepIntent = true
		u.log.WithFields(logrus.Fields{
			"event": "catalog_state_unknown",
			"cause": cause.Error(),
			"error": err.Error(),
		}).Warn("catalog write outcome unknown, blob left for sweeper")
		return false
	case exists:
		u.commitIntent(cctx)
		u.log.WithFields(logrus.Fields{
			"event": "catalog_committed",
			"cause": cause.Error(),
		}).Warn("catalog write reported an error but the record exists")
		return true
	default:
		u.compensate(ctx, cause)
		return false
	}
}

// compensate removes a blob that must not outlive the failed upload. It
// runs detached from the request so a disconnect cannot skip it. If the
// delete fails the intent stays in the journal for the sweeper and an
// orphan alert is raised.
func (u *upload) compensate(ctx context.Context, cause error) {
	s := u.svc
	cctx, cancel := s.detached(ctx)
	defer cancel()

	err := s.store.Delete(cctx, u.doc.StorageKey)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		s.metrics.Compensations.WithLabelValues("deleted").Inc()
		u.commitIntent(cctx)
		u.log.WithFields(logrus.Fields{
			"event": "compensation_done",
			"cause": cause.Error(),
		}).Info("stored blob removed")
		return
	}

	u.keepIntent = true
	s.metrics.Compensations.WithLabelValues("failed").Inc()
	s.metrics.OrphanBlobs.Inc()
	u.log.WithFields(logrus.Fields{
		"event": "orphan",
		"cause": cause.Error(),
		"error": err.Error(),
	}).Error("compensation failed, blob orphaned")
	s.publish(cctx, events.Event{
		Type:       events.BlobOrphaned,
		DocumentID: u.doc.ID,
		OwnerID:    u.doc.OwnerID,
		StorageKey: u.doc.StorageKey,
		ActorID:    u.who.UserID,
		Reason:     cause.Error(),
	})
}

func (u *upload) commitIntent(ctx context.Context) {
	cctx, cancel := u.svc.detached(ctx)
	defer cancel()
	if err := u.svc.journal.Commit(cctx, u.doc.StorageKey); err != nil {
		u.log.WithField("error", err.Error()).Warn("upload intent commit failed")
	}
}
