package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"
)

type BackOffOpts struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

var DefaultBackOffOpts = BackOffOpts{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  10 * time.Second,
}

var transientCodes = map[string]bool{
	"SlowDown":                   true,
	"RequestTimeout":             true,
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"XMinioServerNotInitialized": true,
}

// IsTransient reports whether err is worth retrying: timeouts, dropped
// connections and 5xx responses from the store.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode >= 500 || transientCodes[resp.Code]
	}
	return false
}

type retryStorage struct {
	next Storage
	opts BackOffOpts
	log  *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry decorates s so that transient failures are retried with
// exponential backoff. Exhausted retries surface ErrUnavailable.
func WithRetry(s Storage, opts BackOffOpts, log logrus.FieldLogger) Storage {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &retryStorage{
		next:  s,
		opts:  opts,
		log:   log.WithField("component", "storage_retry"),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *retryStorage) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval
	b.MaxElapsedTime = r.opts.MaxElapsedTime
	return b
}

// retry runs f until it succeeds, fails permanently, or the backoff gives
// up. rewind, when set, is called before every attempt after the first.
func (r *retryStorage) retry(ctx context.Context, op, key string, rewind func() error, f func() error) error {
	b := r.newBackOff()
	b.Reset()

	tries := 0
	for {
		tries++
		err := f()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		log := r.log.WithFields(logrus.Fields{"op": op, "key": key, "tries": tries, "error": err.Error()})
		next := b.NextBackOff()
		if next == backoff.Stop {
			log.Warn("storage retries exhausted")
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, op, tries, err)
		}
		log.WithField("backoff", next.String()).Info("retrying storage call")
		if err := r.sleep(ctx, next); err != nil {
			return err
		}
		if rewind != nil {
			if err := rewind(); err != nil {
				return fmt.Errorf("%w: rewind body: %v", ErrUnavailable, err)
			}
		}
	}
}

// Put retries only when the body can be rewound; a streamed body gets a
// single attempt.
func (r *retryStorage) Put(ctx context.Context, key string, body io.Reader, opt PutObjectOptions) (ObjectInfo, error) {
	s, ok := body.(io.Seeker)
	if !ok {
		info, err := r.next.Put(ctx, key, body, opt)
		if err != nil && IsTransient(err) {
			return ObjectInfo{}, fmt.Errorf("%w: put: %v", ErrUnavailable, err)
		}
		return info, err
	}
	start, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: seek body: %w", key, err)
	}
	rewind := func() error {
		_, err := s.Seek(start, io.SeekStart)
		return err
	}

	var info ObjectInfo
	err = r.retry(ctx, "put", key, rewind, func() error {
		var err error
		info, err = r.next.Put(ctx, key, body, opt)
		return err
	})
	return info, err
}

func (r *retryStorage) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	var (
		rc   io.ReadCloser
		info ObjectInfo
	)
	err := r.retry(ctx, "get", key, nil, func() error {
		var err error
		rc, info, err = r.next.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return rc, info, nil
}

func (r *retryStorage) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", key, nil, func() error {
		return r.next.Delete(ctx, key)
	})
}

// PresignGet is computed locally and never retried.
func (r *retryStorage) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return r.next.PresignGet(ctx, key, expiry)
}
