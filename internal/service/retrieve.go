package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docvault/internal/access"
	"docvault/internal/codec"
	"docvault/internal/keyring"
	"docvault/internal/links"
	"docvault/internal/model"
	"docvault/internal/repository"
	"docvault/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// find loads a live document and checks who may read it. A document
// who may not read is reported exactly like a missing one.
func (s *documentService) find(ctx context.Context, who model.Identity, id string) (*model.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validation("document id is required")
	}
	doc, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, infraErr(ctx, ErrCatalogUnavailable, err)
	}
	if !access.CanRead(who, doc) {
		s.log.WithFields(logrus.Fields{
			"event":       "read_denied",
			"actor_id":    who.UserID,
			"document_id": id,
		}).Info("read denied")
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *documentService) Get(ctx context.Context, who model.Identity, id string) (*model.DocumentView, error) {
	doc, err := s.find(ctx, who, id)
	if err != nil {
		return nil, err
	}
	view := doc.View()
	return &view, nil
}

func (s *documentService) Open(ctx context.Context, who model.Identity, id string) (*Content, error) {
	ctx, span := tracer.Start(ctx, "DocumentService.Open")
	defer span.End()

	doc, err := s.find(ctx, who, id)
	if err != nil {
		return nil, s.downloadFailed(span, err)
	}
	return s.open(ctx, span, doc)
}

func (s *documentService) OpenLink(ctx context.Context, token string) (*Content, error) {
	ctx, span := tracer.Start(ctx, "DocumentService.OpenLink")
	defer span.End()

	grant, err := s.links.Verify(token)
	if err != nil {
		if errors.Is(err, links.ErrExpiredLink) {
			return nil, s.downloadFailed(span, ErrLinkExpired)
		}
		return nil, s.downloadFailed(span, ErrNotFound)
	}
	doc, err := s.repo.FindByID(ctx, grant.DocumentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.downloadFailed(span, ErrNotFound)
		}
		return nil, s.downloadFailed(span, infraErr(ctx, ErrCatalogUnavailable, err))
	}
	s.log.WithFields(logrus.Fields{
		"event":       "link_download",
		"document_id": doc.ID,
		"issued_to":   grant.IssuedTo,
	}).Info("download link redeemed")
	return s.open(ctx, span, doc)
}

func (s *documentService) downloadFailed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.Downloads.WithLabelValues(outcome(err)).Inc()
	return err
}

// open unwraps the data key, fetches the blob and decrypts it.
func (s *documentService) open(ctx context.Context, span trace.Span, doc *model.Document) (*Content, error) {
	span.SetAttributes(attribute.String("document.id", doc.ID), attribute.Int64("document.size", doc.SizeBytes))

	c, err := s.codecFor(doc)
	if err != nil {
		return nil, s.downloadFailed(span, err)
	}
	key, err := s.keyring.Unwrap(ctx, doc.KeyID, doc.WrappedKey)
	if err != nil {
		if errors.Is(err, keyring.ErrUnwrap) || errors.Is(err, keyring.ErrUnknownKey) {
			s.logTamper(doc, err)
			return nil, s.downloadFailed(span, wrap(ErrCodec, err))
		}
		return nil, s.downloadFailed(span, infraErr(ctx, ErrKeyringUnavailable, err))
	}

	body, _, err := s.store.Get(ctx, doc.StorageKey)
	if err != nil {
		clear(key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.downloadFailed(span, ErrNotFound)
		}
		return nil, s.downloadFailed(span, infraErr(ctx, ErrStoreUnavailable, err))
	}

	content := &Content{Document: doc.View(), Size: doc.SizeBytes}
	if doc.SizeBytes <= s.opts.BufferThreshold {
		defer body.Close()
		defer clear(key)

		ct, err := io.ReadAll(io.LimitReader(body, c.CiphertextSize(doc.SizeBytes)+1))
		if err != nil {
			return nil, s.downloadFailed(span, infraErr(ctx, ErrStoreUnavailable, err))
		}
		plain, err := c.Decrypt(ct, key, doc.IV)
		if err != nil {
			s.logTamper(doc, err)
			return nil, s.downloadFailed(span, wrap(ErrCodec, err))
		}
		if int64(len(plain)) != doc.SizeBytes {
			err := fmt.Errorf("plaintext is %d bytes, catalog says %d", len(plain), doc.SizeBytes)
			s.logTamper(doc, err)
			return nil, s.downloadFailed(span, wrap(ErrCodec, err))
		}
		content.Body = io.NopCloser(bytes.NewReader(plain))
		s.metrics.Downloads.WithLabelValues("done").Inc()
		return content, nil
	}

	dr, err := c.NewDecryptReader(body, key, doc.IV)
	clear(key)
	if err != nil {
		body.Close()
		return nil, s.downloadFailed(span, wrap(ErrCodec, err))
	}
	content.Body = &plainStream{r: dr, src: body, onTamper: func(err error) { s.logTamper(doc, err) }}
	s.metrics.Downloads.WithLabelValues("streamed").Inc()
	return content, nil
}

// codecFor returns the codec a document was sealed with.
func (s *documentService) codecFor(doc *model.Document) (*codec.Codec, error) {
	if doc.Algorithm == "" || codec.Algorithm(doc.Algorithm) == s.codec.Algorithm() {
		return s.codec, nil
	}
	c, err := codec.New(codec.Algorithm(doc.Algorithm))
	if err != nil {
		return nil, wrap(ErrCodec, err)
	}
	return c, nil
}

func (s *documentService) logTamper(doc *model.Document, err error) {
	s.log.WithFields(logrus.Fields{
		"event":       "integrity_failure",
		"document_id": doc.ID,
		"error":       err.Error(),
	}).Error("document failed authentication")
}

// plainStream releases only authenticated plaintext and reports codec
// failures as ErrCodec.
type plainStream struct {
	r        io.Reader
	src      io.Closer
	onTamper func(error)
}

func (p *plainStream) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		if errors.Is(err, codec.ErrCodec) {
			p.onTamper(err)
			err = wrap(ErrCodec, err)
		} else {
			err = wrap(ErrStoreUnavailable, err)
		}
	}
	return n, err
}

func (p *plainStream) Close() error {
	return p.src.Close()
}

func (s *documentService) List(ctx context.Context, who model.Identity, q ListQuery) (*DocumentListResult, error) {
	if err := validatePeriod(q.Month, q.Year); err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, validation("offset must not be negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultListLimit
	case q.Limit > maxListLimit:
		q.Limit = maxListLimit
	}

	owner := strings.TrimSpace(q.OwnerID)
	if who.Role == model.RoleClient && owner == "" {
		owner = who.UserID
	}
	if !access.CanList(who, owner) {
		return nil, ErrUnauthorized
	}

	f := model.Filter{
		OwnerID:     owner,
		Month:       q.Month,
		Year:        q.Year,
		NamePattern: strings.TrimSpace(q.Search),
	}
	pq := repository.PageQuery{Limit: q.Limit, Offset: q.Offset}

	var (
		page *repository.PageResult[model.Document]
		err  error
	)
	if owner != "" {
		page, err = s.repo.FindByOwner(ctx, owner, f, pq)
	} else {
		page, err = s.repo.FindAll(ctx, f, pq)
	}
	if err != nil {
		return nil, infraErr(ctx, ErrCatalogUnavailable, err)
	}

	items := make([]model.DocumentView, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, page.Items[i].View())
	}
	return &DocumentListResult{Items: items, Total: page.Total}, nil
}

func (s *documentService) IssueLink(ctx context.Context, who model.Identity, id string) (*SignedURL, error) {
	doc, err := s.find(ctx, who, id)
	if err != nil {
		return nil, err
	}
	tok, exp, err := s.links.Issue(doc.ID, who.UserID)
	if err != nil {
		return nil, err
	}
	u := "/downloads/" + url.PathEscape(tok)
	if s.opts.LinkBaseURL != "" {
		u = strings.TrimRight(s.opts.LinkBaseURL, "/") + u
	}
	s.log.WithFields(logrus.Fields{
		"event":       "link_issued",
		"document_id": doc.ID,
		"actor_id":    who.UserID,
	}).Info("download link issued")
	return &SignedURL{URL: u, ExpiresAt: exp}, nil
}

func (s *documentService) CiphertextURL(ctx context.Context, who model.Identity, id string, ttl time.Duration) (*SignedURL, error) {
	doc, err := s.find(ctx, who, id)
	if err != nil {
		return nil, err
	}
	if !who.IsAdmin() {
		return nil, ErrNotFound
	}
	if ttl <= 0 {
		ttl = s.opts.PresignTTL
	}
	exp := s.now().Add(ttl).UTC().Truncate(time.Second)
	u, err := s.store.PresignGet(ctx, doc.StorageKey, ttl)
	if err != nil {
		return nil, infraErr(ctx, ErrStoreUnavailable, err)
	}
	return &SignedURL{URL: u, ExpiresAt: exp}, nil
}
