package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusClientClosedRequest is the non-standard status logged for requests
// the client abandoned.
const StatusClientClosedRequest = 499

// Every error returned by DocumentService wraps exactly one of these.
var (
	ErrValidation         = errors.New("invalid request")
	ErrNotFound           = errors.New("document not found")
	ErrUnauthorized       = errors.New("not authorized")
	ErrStoreUnavailable   = errors.New("object store unavailable")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrKeyringUnavailable = errors.New("keyring unavailable")
	ErrCodec              = errors.New("document corrupted or tampered")
	ErrCatalogWrite       = errors.New("catalog write failed")
	ErrClientDisconnected = errors.New("client disconnected")
	ErrLinkExpired        = errors.New("download link expired")
)

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCatalogUnavailable) ||
		errors.Is(err, ErrKeyringUnavailable)
}

func wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// infraErr classifies a failed infrastructure call, preferring
// ErrClientDisconnected when the request context is gone.
func infraErr(ctx context.Context, kind, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return wrap(ErrClientDisconnected, err)
	}
	return wrap(kind, err)
}

// StatusClass maps err to the HTTP status its class is reported with.
// Unauthorized reads share the not-found status so a caller cannot probe
// which ids exist.
func StatusClass(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
		return http.StatusNotFound
	case errors.Is(err, ErrLinkExpired):
		return http.StatusGone
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrCatalogUnavailable), errors.Is(err, ErrKeyringUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrClientDisconnected):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
