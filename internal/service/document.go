package service

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"docvault/internal/codec"
	"docvault/internal/events"
	"docvault/internal/journal"
	"docvault/internal/keyring"
	"docvault/internal/keys"
	"docvault/internal/links"
	"docvault/internal/logging"
	"docvault/internal/metrics"
	"docvault/internal/model"
	"docvault/internal/repository"
	"docvault/internal/storage"
)

var tracer = otel.Tracer("docvault/internal/service")

// UploadInput describes one file an administrator uploads for a client.
type UploadInput struct {
	OwnerID     string
	Month       string
	Year        string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ListQuery filters a listing. Limit and Offset page the result.
type ListQuery struct {
	OwnerID string
	Month   string
	Year    string
	Search  string
	Limit   int
	Offset  int
}

// DocumentListResult is the service-level DTO for paginated documents.
type DocumentListResult struct {
	Items []model.DocumentView `json:"data"`
	Total int                  `json:"total"`
}

// Content is an authorized plaintext stream. Callers must close Body.
type Content struct {
	Document model.DocumentView
	Size     int64
	Body     io.ReadCloser
}

// SignedURL is a bearer URL (or token) valid until ExpiresAt.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	IntentsCommitted int `json:"intents_committed"`
	OrphansDeleted   int `json:"orphans_deleted"`
	Purged           int `json:"purged"`
	Failures         int `json:"failures"`
}

// DocumentService defines the use cases for handling documents.
type DocumentService interface {
	// Upload encrypts the body under a fresh data key, stores the ciphertext
	// and catalogs it. A failed catalog write removes the stored blob.
	Upload(ctx context.Context, who model.Identity, in UploadInput) (*model.DocumentView, error)

	// Open returns the authenticated plaintext of a document who may read.
	Open(ctx context.Context, who model.Identity, id string) (*Content, error)

	// Get returns the public view of a document who may read.
	Get(ctx context.Context, who model.Identity, id string) (*model.DocumentView, error)

	// List returns the documents who may see, newest first.
	List(ctx context.Context, who model.Identity, q ListQuery) (*DocumentListResult, error)

	// Delete removes a document. Deleting twice yields ErrNotFound.
	Delete(ctx context.Context, who model.Identity, id string) error

	// IssueLink returns a download capability token for a document who may read.
	IssueLink(ctx context.Context, who model.Identity, id string) (*SignedURL, error)

	// OpenLink returns the plaintext named by a capability token.
	OpenLink(ctx context.Context, token string) (*Content, error)

	// CiphertextURL presigns a direct object store URL for the encrypted blob.
	CiphertextURL(ctx context.Context, who model.Identity, id string, ttl time.Duration) (*SignedURL, error)

	// Sweep reconciles stale upload intents and finishes pending deletes.
	Sweep(ctx context.Context) (SweepReport, error)
}

// Deps are the collaborators of the document service.
type Deps struct {
	Store   storage.Storage
	Repo    repository.DocumentRepository
	Keyring keyring.Keyring
	Journal journal.Journal
	Events  events.Publisher
	Links   *links.Signer
	Metrics *metrics.Pipeline
	Log     logrus.FieldLogger
}

type Options struct {
	Algorithm       codec.Algorithm
	MaxUploadSize   int64
	BufferThreshold int64
	PresignTTL      time.Duration
	// LinkBaseURL prefixes issued download links, e.g. https://vault.example.com.
	LinkBaseURL         string
	CompensationTimeout time.Duration
	SweepGrace          time.Duration
	SweepBatch          int
}

func (o *Options) defaults() {
	if o.MaxUploadSize <= 0 {
		o.MaxUploadSize = 64 << 20
	}
	if o.BufferThreshold <= 0 {
		o.BufferThreshold = 8 << 20
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = time.Hour
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = 30 * time.Second
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = 15 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
}

// documentService is a concrete implementation of DocumentService.
type documentService struct {
	store   storage.Storage
	repo    repository.DocumentRepository
	keyring keyring.Keyring
	journal journal.Journal
	events  events.Publisher
	links   *links.Signer
	metrics *metrics.Pipeline
	log     *logrus.Entry

	codec *codec.Codec
	keys  *keys.Generator
	opts  Options
	now   func() time.Time
}

// NewDocumentService constructs a new DocumentService.
func NewDocumentService(d Deps, opts Options) (DocumentService, error) {
	return newDocumentService(d, opts)
}

func newDocumentService(d Deps, opts Options) (*documentService, error) {
	opts.defaults()
	c, err := codec.New(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	return &documentService{
		store:   d.Store,
		repo:    d.Repo,
		keyring: d.Keyring,
		journal: d.Journal,
		events:  d.Events,
		links:   d.Links,
		metrics: d.Metrics,
		log:     logging.Component(d.Log, "document_service"),
		codec:   c,
		keys:    keys.NewGenerator(),
		opts:    opts,
		now:     time.Now,
	}, nil
}

// publish is best effort; a failed publish is logged and dropped.
func (s *documentService) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.log.WithFields(logrus.Fields{
			"event":       "publish_failed",
			"event_type":  string(e.Type),
			"document_id": e.DocumentID,
			"error":       err.Error(),
		}).Warn("event publish failed")
	}
}

// detached returns a context that survives the request for cleanup work.
func (s *documentService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.CompensationTimeout)
}
