// Package pebblestore adapts a Pebble LSM database to the storage engine
// contract. Every write uses pebble.Sync.
package pebblestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"shardkv/pkg/dberrors"
)

type Options struct {
	ReadOnly bool
	Logger   *slog.Logger
}

type Store struct {
	db       *pebble.DB
	readOnly bool

	// mu is held shared by every operation and exclusively by Close, so the
	// database is never used after it is closed.
	mu     sync.RWMutex
	closed bool
}

func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, dberrors.Newf(dberrors.KindStorageIO, "empty data dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, dberrors.Newf(dberrors.KindStorageIO, "open pebble at %s: %v", dir, err)
	}

	logger.Info("store opened", "component", "pebblestore", "dir", dir, "read_only", opts.ReadOnly)
	return &Store{db: db, readOnly: opts.ReadOnly}, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if s.readOnly {
		return dberrors.ErrReadOnly
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "put: %v", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, false, err
	}

	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, dberrors.Newf(dberrors.KindStorageIO, "get: %v", err)
	}
	defer closer.Close()

	// v is only valid until closer.Close
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.readOnly {
		return dberrors.ErrReadOnly
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "delete: %v", err)
	}
	return nil
}

// check must be called with mu held.
func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return dberrors.Newf(dberrors.KindStorageIO, "store closed")
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "close: %v", err)
	}
	return nil
}
