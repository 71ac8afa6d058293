package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Entry operations stored in Meta.
const (
	OpPut    uint64 = 1
	OpDelete uint64 = 2
)

const (
	// crc32 | seq | meta | key len | value len
	headerSize = 4 + 8 + 8 + 4 + 4

	// MaxEntrySize bounds key+value so a corrupt length cannot force a huge allocation on replay.
	MaxEntrySize = 64 << 20
)

var (
	ErrReadOnly      = errors.New("wal: opened read-only")
	ErrClosed        = errors.New("wal: closed")
	ErrEntryTooLarge = errors.New("wal: entry too large")
	errTornEntry     = errors.New("wal: torn entry")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Entry represents a single log record.
type Entry struct {
	SeqNum uint64
	Key    []byte
	Value  []byte
	Meta   uint64
}

// WAL is an append-only record log. Every Append is fsynced before it
// returns.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	readOnly bool
	size     int64
}

// Open opens or creates the log at path. A read-only log over a missing
// file is valid and empty; nothing is created.
func Open(path string, readOnly bool) (*WAL, error) {
	if path == "" {
		return nil, fmt.Errorf("empty WAL path")
	}
	path = filepath.Clean(path)

	w := &WAL{filePath: path, readOnly: readOnly}

	if readOnly {
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return w, nil
			}
			return nil, fmt.Errorf("failed to open WAL file: %w", err)
		}
		w.file = file
	} else {
		created, err := mkdirAll(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("failed to create WAL directory: %w", err)
		}
		file, isNew, err := openOrCreate(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL file: %w", err)
		}
		w.file = file
		if isNew {
			created = append(created, path)
		}
		// New directory entries must reach disk before the first
		// acknowledged append, or a crash can drop the whole file.
		if err := syncParents(created); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to sync WAL directory: %w", err)
		}
	}

	info, err := w.file.Stat()
	if err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}
	w.size = info.Size()

	return w, nil
}

// openOrCreate opens path for appending and reports whether it was created.
func openOrCreate(path string) (*os.File, bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0600)
	if err == nil {
		return file, true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, false, err
	}
	file, err = os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	return file, false, err
}

// mkdirAll is os.MkdirAll that also returns the directories it created,
// deepest first.
func mkdirAll(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return missing, nil
}

// syncParents fsyncs the directory holding each of the given paths.
func syncParents(paths []string) error {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		parent := filepath.Dir(p)
		if _, ok := seen[parent]; ok {
			continue
		}
		seen[parent] = struct{}{}
		if err := dirSyncer(parent); err != nil {
			return err
		}
	}
	return nil
}

var dirSyncer = SyncDir

// SyncDir fsyncs a directory so entries created or renamed in it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (w *WAL) Path() string {
	return w.filePath
}

// Size is the number of bytes in the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append writes entry and fsyncs the file.
func (w *WAL) Append(entry Entry) error {
	return w.AppendAll([]Entry{entry})
}

// AppendAll writes entries with a single fsync. On failure the file is cut
// back to its previous size so a partial write never precedes later records.
func (w *WAL) AppendAll(entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return ErrReadOnly
	}
	if w.file == nil {
		return ErrClosed
	}

	var buf []byte
	for _, e := range entries {
		var err error
		if buf, err = appendEntry(buf, e); err != nil {
			return err
		}
	}

	if _, err := w.file.Write(buf); err != nil {
		w.rollback()
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.rollback()
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.size += int64(len(buf))
	return nil
}

func (w *WAL) rollback() {
	if err := w.file.Truncate(w.size); err != nil {
		slog.Warn("failed to roll back partial WAL write", "path", w.filePath, "error", err)
	}
}

// Replay calls callback for every intact entry in order. It stops at the
// first torn or corrupt record and returns the offset where the intact
// prefix ends.
func (w *WAL) Replay(callback func(Entry) error) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, nil
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64

	for {
		entry, n, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			if errors.Is(err, errTornEntry) {
				slog.Warn("WAL has a torn tail", "path", w.filePath, "valid_bytes", offset, "error", err)
				return offset, nil
			}
			return offset, fmt.Errorf("failed to read WAL entry: %w", err)
		}

		if err := callback(entry); err != nil {
			return offset, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		offset += n
	}
}

// Truncate cuts the log to size, dropping a torn tail found by Replay.
func (w *WAL) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return ErrReadOnly
	}
	if w.file == nil {
		return ErrClosed
	}
	if err := w.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.size = size
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return nil
}

func appendEntry(buf []byte, e Entry) ([]byte, error) {
	if len(e.Key)+len(e.Value) > MaxEntrySize {
		return buf, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(e.Key)+len(e.Value))
	}

	start := len(buf)
	buf = append(buf, make([]byte, headerSize)...)
	hdr := buf[start:]
	binary.LittleEndian.PutUint64(hdr[4:], e.SeqNum)
	binary.LittleEndian.PutUint64(hdr[12:], e.Meta)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(e.Value)))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)

	// checksum covers everything after the crc field
	crc := crc32.Checksum(buf[start+4:], crcTable)
	binary.LittleEndian.PutUint32(buf[start:], crc)
	return buf, nil
}

func readEntry(reader *bufio.Reader) (Entry, int64, error) {
	var entry Entry

	var hdr [headerSize]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return entry, 0, fmt.Errorf("%w: short header", errTornEntry)
		}
		return entry, 0, err
	}

	keyLen := binary.LittleEndian.Uint32(hdr[20:])
	valueLen := binary.LittleEndian.Uint32(hdr[24:])
	if uint64(keyLen)+uint64(valueLen) > MaxEntrySize {
		return entry, 0, fmt.Errorf("%w: implausible length %d", errTornEntry, uint64(keyLen)+uint64(valueLen))
	}

	body := make([]byte, int(keyLen)+int(valueLen))
	if _, err := io.ReadFull(reader, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return entry, 0, fmt.Errorf("%w: short body", errTornEntry)
		}
		return entry, 0, err
	}

	crc := crc32.Update(crc32.Checksum(hdr[4:], crcTable), crcTable, body)
	if crc != binary.LittleEndian.Uint32(hdr[:4]) {
		return entry, 0, fmt.Errorf("%w: checksum mismatch", errTornEntry)
	}

	entry.SeqNum = binary.LittleEndian.Uint64(hdr[4:])
	entry.Meta = binary.LittleEndian.Uint64(hdr[12:])
	entry.Key = body[:keyLen:keyLen]
	entry.Value = body[keyLen:]

	return entry, int64(headerSize) + int64(len(body)), nil
}
