// Package logstore is a durable key-value engine made of an append-only
// record log and an in-memory skip list index rebuilt from the log on open.
package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/wal"
)

const (
	logFileName = "records.log"

	defaultCompactMinStale = 1024
)

type index = skipmap.FuncMap[[]byte, []byte]

type Options struct {
	ReadOnly bool
	Logger   *slog.Logger
	// CompactMinStale is how many superseded records must pile up before
	// Open compacts the log. Zero means the default; negative disables it.
	CompactMinStale int
}

// Store is safe for concurrent use. Writers are serialized; readers go
// straight to the index.
type Store struct {
	dir      string
	readOnly bool
	logger   *slog.Logger

	mu      sync.Mutex // guards log, seq and closed
	log     *wal.WAL
	seq     uint64
	closed  bool
	records atomic.Int64

	idx *index
}

func newIndex() *index {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Open loads the store in dir, replaying its log.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, dberrors.Newf(dberrors.KindStorageIO, "empty data dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		dir:      filepath.Clean(dir),
		readOnly: opts.ReadOnly,
		logger:   logger.With("component", "logstore"),
		idx:      newIndex(),
	}

	journal, err := wal.Open(s.logPath(), opts.ReadOnly)
	if err != nil {
		return nil, dberrors.Newf(dberrors.KindStorageIO, "open log: %v", err)
	}
	s.log = journal

	if err := s.restore(); err != nil {
		_ = journal.Close()
		return nil, err
	}

	minStale := opts.CompactMinStale
	if minStale == 0 {
		minStale = defaultCompactMinStale
	}
	if !s.readOnly && minStale > 0 {
		live := int64(s.idx.Len())
		stale := s.records.Load() - live
		if stale >= int64(minStale) && stale > live {
			if err := s.Compact(); err != nil {
				s.logger.Warn("compaction on open failed", "error", err)
			}
		}
	}

	s.logger.Info("store opened", "dir", s.dir, "keys", s.idx.Len(), "records", s.records.Load(), "read_only", s.readOnly)
	return s, nil
}

func (s *Store) logPath() string {
	return filepath.Join(s.dir, logFileName)
}

func (s *Store) restore() error {
	var records int64
	valid, err := s.log.Replay(func(e wal.Entry) error {
		records++
		if e.SeqNum > s.seq {
			s.seq = e.SeqNum
		}
		switch e.Meta {
		case wal.OpPut:
			s.idx.Store(e.Key, e.Value)
		case wal.OpDelete:
			s.idx.Delete(e.Key)
		default:
			return fmt.Errorf("unknown operation %d at seq %d", e.Meta, e.SeqNum)
		}
		return nil
	})
	if err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "replay log: %v", err)
	}
	s.records.Store(records)

	if size := s.log.Size(); valid < size {
		if s.readOnly {
			s.logger.Warn("ignoring torn log tail", "valid_bytes", valid, "size", size)
			return nil
		}
		if err := s.log.Truncate(valid); err != nil {
			return dberrors.Newf(dberrors.KindStorageIO, "truncate torn tail: %v", err)
		}
		s.logger.Warn("truncated torn log tail", "dropped_bytes", size-valid)
	}
	return nil
}

// Put stores value under key. It returns only after the record is on disk.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if s.readOnly {
		return dberrors.ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return err
	}

	k := bytes.Clone(key)
	v := append(make([]byte, 0, len(value)), value...)

	s.seq++
	if err := s.log.Append(wal.Entry{SeqNum: s.seq, Key: k, Value: v, Meta: wal.OpPut}); err != nil {
		s.seq--
		return dberrors.Newf(dberrors.KindStorageIO, "put: %v", err)
	}
	s.records.Add(1)
	s.idx.Store(k, v)
	return nil
}

// Get never fails on a missing key; found reports presence.
func (s *Store) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := s.idx.Load(key)
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.readOnly {
		return dberrors.ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.idx.Load(key); !ok {
		return nil
	}

	k := bytes.Clone(key)
	s.seq++
	if err := s.log.Append(wal.Entry{SeqNum: s.seq, Key: k, Meta: wal.OpDelete}); err != nil {
		s.seq--
		return dberrors.Newf(dberrors.KindStorageIO, "delete: %v", err)
	}
	s.records.Add(1)
	s.idx.Delete(k)
	return nil
}

// writable must be called with mu held.
func (s *Store) writable(ctx context.Context) error {
	if s.closed {
		return dberrors.Newf(dberrors.KindStorageIO, "store closed")
	}
	return ctx.Err()
}

// Len is the number of live keys.
func (s *Store) Len() int {
	return s.idx.Len()
}

// Compact rewrites the log with one record per live key and atomically
// replaces the old file.
func (s *Store) Compact() error {
	if s.readOnly {
		return dberrors.ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dberrors.Newf(dberrors.KindStorageIO, "store closed")
	}

	tmpPath := s.logPath() + ".compact"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return dberrors.Newf(dberrors.KindStorageIO, "remove stale compaction file: %v", err)
	}

	tmp, err := wal.Open(tmpPath, false)
	if err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "create compaction file: %v", err)
	}

	entries := make([]wal.Entry, 0, s.idx.Len())
	var seq uint64
	s.idx.Range(func(k, v []byte) bool {
		seq++
		entries = append(entries, wal.Entry{SeqNum: seq, Key: k, Value: v, Meta: wal.OpPut})
		return true
	})

	if err := tmp.AppendAll(entries); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return dberrors.Newf(dberrors.KindStorageIO, "write compaction file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return dberrors.Newf(dberrors.KindStorageIO, "close compaction file: %v", err)
	}

	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close log before swap", "error", err)
	}
	if err := os.Rename(tmpPath, s.logPath()); err != nil {
		return s.reopen(dberrors.Newf(dberrors.KindStorageIO, "swap compacted log: %v", err))
	}
	if err := wal.SyncDir(s.dir); err != nil {
		s.logger.Warn("failed to sync data dir after compaction", "error", err)
	}

	before := s.records.Load()
	s.seq = seq
	s.records.Store(int64(len(entries)))
	if err := s.reopen(nil); err != nil {
		return err
	}

	s.logger.Info("log compacted", "records_before", before, "records_after", len(entries))
	return nil
}

// reopen reattaches the log file after a swap attempt; cause is returned
// when reopening succeeds. Must be called with mu held.
func (s *Store) reopen(cause error) error {
	journal, err := wal.Open(s.logPath(), false)
	if err != nil {
		s.closed = true
		return dberrors.Newf(dberrors.KindStorageIO, "reopen log: %v", err)
	}
	s.log = journal
	return cause
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.log.Close(); err != nil {
		return dberrors.Newf(dberrors.KindStorageIO, "close: %v", err)
	}
	return nil
}
