// Package app assembles the document service from configuration. Both the
// API server and vaultctl build their dependencies through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docvault/internal/codec"
	"docvault/internal/config"
	"docvault/internal/database"
	"docvault/internal/database/migration"
	"docvault/internal/events"
	"docvault/internal/identity"
	"docvault/internal/journal"
	"docvault/internal/keyring"
	"docvault/internal/links"
	"docvault/internal/metrics"
	"docvault/internal/repository"
	"docvault/internal/repository/mongodb"
	"docvault/internal/repository/postgres"
	"docvault/internal/service"
	"docvault/internal/storage"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Catalog  repository.DocumentRepository
	Store    storage.Storage
	Journal  *journal.Badger
	Events   events.Publisher
	Verifier *identity.Verifier
	Service  service.DocumentService

	closers []func() error
}

// OpenCatalog connects the configured catalog backend and brings its
// schema up to date.
func OpenCatalog(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (repository.DocumentRepository, func() error, error) {
	switch cfg.CatalogDriver {
	case DriverPostgres, "":
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := migration.EnsureMigrated(ctx, db, log, cfg.Database.Host); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return postgres.NewDocumentPostgres(db), db.Close, nil
	case DriverMongo:
		client, coll, err := database.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		repo := mongodb.NewDocumentMongo(coll)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return repo, func() error { return client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown catalog driver %q", cfg.CatalogDriver)
	}
}

// OpenVerifier builds the token verifier, backed by Redis revocations when
// REDIS_ADDR is set. The returned closer may be nil.
func OpenVerifier(cfg *config.AppConfig) (*identity.Verifier, func() error, error) {
	var (
		revocations identity.Revocations
		closer      func() error
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		revocations = identity.NewRedisRevocations(rdb)
		closer = rdb.Close
	}
	v, err := identity.NewVerifier(cfg.Auth.JWTSecret, revocations)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, err
	}
	return v, closer, nil
}

// New wires every dependency of the document service. reg may be nil.
func New(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger, reg prometheus.Registerer) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	catalog, closeCatalog, err := OpenCatalog(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog
	a.closers = append(a.closers, closeCatalog)

	minioStore, err := storage.NewMinIO(ctx, cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	a.Store = storage.WithRetry(minioStore, storage.BackOffOpts{
		InitialInterval: cfg.Storage.RetryInitial,
		MaxInterval:     cfg.Storage.RetryMax,
		MaxElapsedTime:  cfg.Storage.RetryMaxElapsed,
	}, log)

	kr, err := keyring.Open(keyring.Options{
		Provider:  keyring.Provider(cfg.Keyring.Provider),
		KeyFile:   cfg.Keyring.KeyFile,
		KeysEnv:   cfg.Keyring.Keys,
		ActiveKey: cfg.Keyring.ActiveKey,
		KMSKeyID:  cfg.Keyring.KMSKeyID,
		AWSRegion: cfg.Keyring.AWSRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	a.Journal, err = journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Journal.Close)

	a.Events = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		a.Events = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	a.closers = append(a.closers, a.Events.Close)

	verifier, closeRedis, err := OpenVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	a.Verifier = verifier
	if closeRedis != nil {
		a.closers = append(a.closers, closeRedis)
	}

	signer, err := links.NewSigner(cfg.Auth.LinkSecret, cfg.Auth.LinkTTL)
	if err != nil {
		return nil, fmt.Errorf("links: %w", err)
	}

	pipeline := metrics.Discard()
	if reg != nil {
		if pipeline, err = metrics.NewPipeline(reg); err != nil {
			return nil, err
		}
	}

	a.Service, err = service.NewDocumentService(service.Deps{
		Store:   a.Store,
		Repo:    a.Catalog,
		Keyring: kr,
		Journal: a.Journal,
		Events:  a.Events,
		Links:   signer,
		Metrics: pipeline,
		Log:     log,
	}, service.Options{
		Algorithm:       codec.Algorithm(cfg.Keyring.Algorithm),
		MaxUploadSize:   cfg.Storage.MaxUploadSize,
		BufferThreshold: cfg.Storage.BufferThreshold,
		PresignTTL:      cfg.Storage.PresignTTL,
		LinkBaseURL:     cfg.Auth.BaseURL,
		SweepGrace:      cfg.Journal.Grace,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
