package repository

import (
	"context"
	"errors"
	"time"

	"docvault/internal/model"
)

// ErrNotFound is returned when no live document matches.
var ErrNotFound = errors.New("repository: document not found")

// DocumentRepository is the metadata catalog. It only persists; access
// rules and orchestration live in the service layer.
//
// Documents carrying a deletion mark are invisible to FindByID and the
// listing methods.
type DocumentRepository interface {
	// Create inserts a new document record and returns the stored row.
	Create(ctx context.Context, doc *model.Document) (*model.Document, error)

	// FindByID returns a live document by its ID or ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.Document, error)

	// FindByOwner lists ownerID's documents, newest upload first.
	FindByOwner(ctx context.Context, ownerID string, f model.Filter, pq PageQuery) (*PageResult[model.Document], error)

	// FindAll lists documents of every owner (f.OwnerID narrows), newest upload first.
	FindAll(ctx context.Context, f model.Filter, pq PageQuery) (*PageResult[model.Document], error)

	// Delete removes a record, marked or not. It returns ErrNotFound if no row was deleted.
	Delete(ctx context.Context, id string) error

	// MarkDeleted sets the deletion mark. Only one caller can mark a given document;
	// the rest get ErrNotFound.
	MarkDeleted(ctx context.Context, id string, at time.Time) error

	// FindMarked returns up to limit documents carrying a deletion mark.
	FindMarked(ctx context.Context, limit int) ([]model.Document, error)

	// ExistsByStorageKey reports whether any record (marked or not) owns key.
	ExistsByStorageKey(ctx context.Context, key string) (bool, error)

	// Ping checks catalog connectivity.
	Ping(ctx context.Context) error
}

// PageQuery holds limit/offset pagination parameters. A non-positive Limit means no limit.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T
	Total int
}
