// Package journal is a write-ahead log of in-flight uploads. An intent is
// recorded before a blob is written and committed once the blob is either
// cataloged or removed; intents left pending name blobs that may be orphaned.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const intentPrefix = "intent:"

// ErrIntentExists is returned by Begin when the storage key is already in flight.
var ErrIntentExists = errors.New("journal: intent already pending")

// Intent records a blob write that has not been reconciled with the catalog.
type Intent struct {
	StorageKey string    `json:"storage_key"`
	DocumentID string    `json:"document_id"`
	StartedAt  time.Time `json:"started_at"`
}

type Journal interface {
	// Begin records in. It fails with ErrIntentExists while another intent
	// for the same storage key is pending.
	Begin(ctx context.Context, in Intent) error
	Commit(ctx context.Context, storageKey string) error
	// Pending returns intents started more than olderThan ago.
	Pending(ctx context.Context, olderThan time.Duration) ([]Intent, error)
}

type Badger struct {
	db  *badger.DB
	now func() time.Time
}

var _ Journal = (*Badger)(nil)

// Open opens (or creates) the journal at path. An empty path keeps the
// journal in memory, which loses intents on restart.
func Open(path string, log *logrus.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	if log != nil {
		opts.Logger = badgerLogger{log.WithField("component", "journal")}
	}
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Begin(_ context.Context, in Intent) error {
	if in.StartedAt.IsZero() {
		in.StartedAt = b.now()
	}
	val, err := json.Marshal(in)
	if err != nil {
		return err
	}
	key := []byte(intentPrefix + in.StorageKey)
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ErrIntentExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, val)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrIntentExists
	}
	return err
}

// Commit clears the intent for storageKey. Committing an unknown key is a no-op.
func (b *Badger) Commit(_ context.Context, storageKey string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(intentPrefix + storageKey))
	})
}

func (b *Badger) Pending(ctx context.Context, olderThan time.Duration) ([]Intent, error) {
	cutoff := b.now().Add(-olderThan)
	var out []Intent
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(intentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var in Intent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &in)
			}); err != nil {
				return fmt.Errorf("decode intent %s: %w", it.Item().Key(), err)
			}
			if !in.StartedAt.After(cutoff) {
				out = append(out, in)
			}
		}
		return nil
	})
	return out, err
}

// badgerLogger routes badger's internal logging through logrus.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Entry.Warnf(format, args...)
}
