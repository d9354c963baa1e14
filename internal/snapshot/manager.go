package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/state"
)

const (
	filePrefix    = "snapshot_"
	fileExtension = ".json"
	IndexFileName = "snapshots_index.json"

	DefaultKeepCount = 10

	filePerm = 0600
	dirPerm  = 0750
)

var (
	ErrInvalidKeep = errors.New("snapshot: keep count must be at least 1")
	ErrUnreadable  = errors.New("snapshot: no readable snapshot")
)

// Manager owns a directory of snapshot files and the index describing them.
type Manager struct {
	dir    string
	logger hclog.Logger
	now    func() time.Time

	mu    sync.Mutex
	index map[string]IndexEntry
}

type Option func(*Manager)

func WithLogger(logger hclog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

// Create writes a new snapshot of st and records it in the index. The caller
// is responsible for st not changing underneath.
func (m *Manager) Create(root string, st map[string]state.Value, meta Metadata) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, hasLatest := m.latestLocked()

	ts := unixFloat(m.now())
	if hasLatest && ts <= latest.Timestamp {
		ts = latest.Timestamp + 1e-6
	}
	height := meta.BlockHeight
	if height == 0 {
		height = 1
		if hasLatest {
			height = latest.BlockHeight + 1
		}
	}
	meta.BlockHeight = height

	if st == nil {
		st = map[string]state.Value{}
	}
	snap := &Snapshot{
		ID:          snapshotID(root, ts),
		Root:        root,
		State:       st,
		Timestamp:   ts,
		BlockHeight: height,
		Metadata:    meta,
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(m.dir, filePrefix+snap.ID+fileExtension)
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	m.index[snap.ID] = IndexEntry{
		ID:          snap.ID,
		Root:        root,
		Timestamp:   ts,
		BlockHeight: height,
		Path:        path,
	}
	if err := m.saveIndexLocked(); err != nil {
		delete(m.index, snap.ID)
		os.Remove(path)
		return nil, err
	}

	m.logger.Debug("snapshot created", "id", snap.ID, "root", root, "entries", len(st),
		"wal_sequence", meta.WALSequence, "bytes", len(data))
	return snap, nil
}

// LoadLatest returns the newest readable snapshot, or nil when none exist or
// every indexed file is gone. An unreadable newest file is skipped in favour
// of the next one; ErrUnreadable is returned only when no file could be read
// and at least one was present but corrupt.
func (m *Manager) LoadLatest() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sortedLocked()
	if len(entries) == 0 {
		return nil, nil
	}

	unreadable := 0
	for _, entry := range entries {
		snap, err := m.readLocked(entry)
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot", "id", entry.ID, "error", err)
			unreadable++
			continue
		}
		if snap == nil {
			m.logger.Warn("snapshot file missing", "id", entry.ID, "path", entry.Path)
			continue
		}
		return snap, nil
	}
	if unreadable == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("%w among %d indexed", ErrUnreadable, len(entries))
}

// Load returns the snapshot with the given id, or nil when the id is unknown
// or its file is gone.
func (m *Manager) Load(id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.index[id]
	if !ok {
		return nil, nil
	}
	return m.readLocked(entry)
}

// Cleanup keeps the keep most recent snapshots by timestamp and deletes the
// rest, files and index rows alike.
func (m *Manager) Cleanup(keep int) (int, error) {
	if keep < 1 {
		return 0, ErrInvalidKeep
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sortedLocked()
	if len(entries) <= keep {
		return 0, nil
	}

	removed := 0
	for _, entry := range entries[keep:] {
		if err := os.Remove(m.resolve(entry)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove snapshot", "id", entry.ID, "error", err)
			continue
		}
		delete(m.index, entry.ID)
		removed++
	}

	if err := m.saveIndexLocked(); err != nil {
		return removed, err
	}
	m.logger.Debug("snapshots cleaned up", "removed", removed, "kept", len(m.index))
	return removed, nil
}

// List returns the index sorted newest first.
func (m *Manager) List() []IndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *Manager) latestLocked() (IndexEntry, bool) {
	entries := m.sortedLocked()
	if len(entries) == 0 {
		return IndexEntry{}, false
	}
	return entries[0], true
}

func (m *Manager) sortedLocked() []IndexEntry {
	entries := make([]IndexEntry, 0, len(m.index))
	for id, entry := range m.index {
		entry.ID = id
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].BlockHeight > entries[j].BlockHeight
	})
	return entries
}

// resolve locates an entry's file inside the managed directory so the index
// stays usable when the state path is moved.
func (m *Manager) resolve(entry IndexEntry) string {
	name := filepath.Base(entry.Path)
	if entry.Path == "" {
		name = filePrefix + entry.ID + fileExtension
	}
	return filepath.Join(m.dir, name)
}

func (m *Manager) readLocked(entry IndexEntry) (*Snapshot, error) {
	snap, err := readSnapshotFile(m.resolve(entry))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

func readSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", filepath.Base(path), err)
	}
	if snap.ID == "" || snap.Root == "" {
		return nil, fmt.Errorf("snapshot %s is missing its id or root", filepath.Base(path))
	}
	if snap.State == nil {
		snap.State = map[string]state.Value{}
	}
	snap.Metadata.BlockHeight = snap.BlockHeight
	return &snap, nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.dir, IndexFileName)
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read snapshot index: %w", err)
		}
		return m.rebuildIndex("index missing")
	}

	index := make(map[string]IndexEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return m.rebuildIndex(fmt.Sprintf("index unreadable: %v", err))
	}
	for id, entry := range index {
		entry.ID = id
		index[id] = entry
	}
	m.index = index
	return nil
}

// rebuildIndex scans the directory for snapshot files and writes a fresh
// index from their headers.
func (m *Manager) rebuildIndex(reason string) error {
	m.index = make(map[string]IndexEntry)

	paths, err := filepath.Glob(filepath.Join(m.dir, filePrefix+"*"+fileExtension))
	if err != nil {
		return fmt.Errorf("failed to scan snapshot directory: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}

	for _, path := range paths {
		snap, err := readSnapshotFile(path)
		if err != nil {
			m.logger.Warn("ignoring unreadable snapshot while rebuilding index", "path", path, "error", err)
			continue
		}
		m.index[snap.ID] = IndexEntry{
			ID:          snap.ID,
			Root:        snap.Root,
			Timestamp:   snap.Timestamp,
			BlockHeight: snap.BlockHeight,
			Path:        path,
		}
	}

	m.logger.Warn("snapshot index rebuilt", "reason", reason, "snapshots", len(m.index))
	return m.saveIndexLocked()
}

func (m *Manager) saveIndexLocked() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot index: %w", err)
	}
	if err := writeFileAtomic(m.indexPath(), data); err != nil {
		return fmt.Errorf("failed to write snapshot index: %w", err)
	}
	return nil
}

// writeFileAtomic publishes data at path through a synced temp file and a
// rename, so readers see either the old file or the complete new one.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
