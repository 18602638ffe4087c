package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the state file created inside the state directory.
const FileName = "checked.jsonl"

// Tracker remembers which push payloads already triggered a mail check.
type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, address string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	Addresses int
	Expired   int
}

// Record is one checked push, stored as a JSON line.
type Record struct {
	Hash      string    `json:"hash"`
	Address   string    `json:"address"`
	CheckedAt time.Time `json:"checked_at"`
}

type MemoryTracker struct {
	mu      sync.RWMutex
	records map[string]Record
	expired int
	now     func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.records[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, address string) error {
	m.remember(hash, address)
	return nil
}

// remember stores hash and returns the new record. The zero Record means hash
// was empty or already known.
func (m *MemoryTracker) remember(hash, address string) Record {
	if hash == "" {
		return Record{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[hash]; exists {
		return Record{}
	}
	rec := Record{Hash: hash, Address: address, CheckedAt: m.now().UTC()}
	m.records[hash] = rec
	return rec
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make(map[string]struct{}, len(m.records))
	for _, rec := range m.records {
		addresses[strings.ToLower(rec.Address)] = struct{}{}
	}
	return Snapshot{Processed: len(m.records), Addresses: len(addresses), Expired: m.expired}
}

// Options configures a FileTracker.
type Options struct {
	Dir string
	// Persist appends new records to the state file. Dry runs leave it off.
	Persist bool
	// Retention drops records older than this on load. Zero keeps everything.
	Retention time.Duration
}

// FileTracker persists checked push hashes so replayed pushes are skipped on
// later runs.
type FileTracker struct {
	*MemoryTracker
	opts Options
	path string

	writeMu sync.Mutex
	file    *os.File
	enc     *json.Encoder
}

func NewFileTracker(opts Options) (*FileTracker, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if opts.Retention < 0 {
		return nil, fmt.Errorf("state retention must not be negative")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		opts:          opts,
		path:          filepath.Join(opts.Dir, FileName),
	}
	if err := tracker.open(); err != nil {
		return nil, err
	}
	return tracker, nil
}

// Path returns the state file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) open() error {
	if err := f.load(); err != nil {
		return err
	}
	if !f.opts.Persist {
		return nil
	}

	if f.expired > 0 {
		if err := f.compact(); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open state file for append: %w", err)
	}
	f.file = file
	f.enc = json.NewEncoder(file)
	return nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	var cutoff time.Time
	if f.opts.Retention > 0 {
		cutoff = f.now().Add(-f.opts.Retention)
	}

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.Hash == "" {
			continue
		}
		if !cutoff.IsZero() && rec.CheckedAt.Before(cutoff) {
			f.expired++
			continue
		}
		f.records[rec.Hash] = rec
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

// compact rewrites the state file with the retained records only.
func (f *FileTracker) compact() error {
	tmp, err := os.CreateTemp(f.opts.Dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("create compacted state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range f.records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write compacted state: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write compacted state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileTracker) MarkProcessed(hash, address string) error {
	rec := f.remember(hash, address)
	if rec.Hash == "" || !f.opts.Persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.enc == nil {
		return fmt.Errorf("state file %s is closed", f.path)
	}
	if err := f.enc.Encode(rec); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

// Close syncs and closes the state file. It is safe to call more than once.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil
	f.enc = nil
	return firstErr
}
