package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/alert"
	"github.com/witnz/sovereign/internal/audit"
	"github.com/witnz/sovereign/internal/config"
	"github.com/witnz/sovereign/internal/metrics"
	"github.com/witnz/sovereign/internal/recovery"
	"github.com/witnz/sovereign/internal/snapshot"
	"github.com/witnz/sovereign/internal/state"
	"github.com/witnz/sovereign/internal/storage"
	"github.com/witnz/sovereign/internal/verify"
	"github.com/witnz/sovereign/internal/wal"
)

var (
	ErrEmptyKey       = errors.New("persistence: key must not be empty")
	ErrNotOperating   = errors.New("persistence: layer is not accepting writes")
	ErrRecoveryFailed = errors.New("persistence: recovery failed")
)

// Ledger metadata keys.
const (
	metaRecoveryCount      = "recovery_count"
	metaLastRecoveryTimeMS = "last_recovery_time_ms"
)

// StateExporter is the read side a synchronizer needs. Writes from a
// synchronizer go through PutState and DeleteState like any other caller.
type StateExporter interface {
	MerkleRoot() string
	Export() (string, map[string]state.Value)
}

var (
	_ StateExporter  = (*Layer)(nil)
	_ verify.Checker = (*Layer)(nil)
)

// journal is the append side of the WAL used by mutations.
type journal interface {
	AppendIntent(op wal.Op, key string, value state.Value, rootBefore string) (*wal.Intent, error)
	AppendCommitted(op wal.Op, key string, value state.Value, rootBefore, rootAfter string) (*wal.Committed, error)
}

// Layer ties the authenticated store, the WAL and the snapshot manager
// together. All mutations go through it.
type Layer struct {
	nodeID    string
	threshold int
	retention uint64
	keep      int

	logger  hclog.Logger
	metrics *metrics.Metrics
	alerts  *alert.Manager
	audit   audit.Sink
	ledger  *storage.Storage

	log         *wal.Log
	journal     journal
	snapshots   *snapshot.Manager
	coordinator *recovery.Coordinator

	// mu serializes writes, snapshots and the recovery swap.
	mu        sync.Mutex
	store     atomic.Pointer[state.Store]
	lifecycle atomic.Int32
	ops       int

	statsMu sync.Mutex
	stats   recoveryCounters
}

type recoveryCounters struct {
	count       int
	lastMS      float64
	lastSuccess bool
	lastAt      time.Time
}

type Option func(*Layer)

func WithLogger(logger hclog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Layer) { l.metrics = m }
}

func WithAlerts(m *alert.Manager) Option {
	return func(l *Layer) { l.alerts = m }
}

// WithAuditSink replaces the sink configured under audit. The layer closes
// it on Close.
func WithAuditSink(sink audit.Sink) Option {
	return func(l *Layer) { l.audit = sink }
}

// Open builds a layer over cfg.Node.StatePath. The latest snapshot is loaded
// if present; the WAL tail is only replayed when recover_on_start is set or
// RecoverFromCrash is called.
func Open(cfg *config.Config, opts ...Option) (*Layer, error) {
	l := &Layer{
		nodeID:    cfg.Node.ID,
		threshold: cfg.Persistence.AutoSnapshotThreshold,
		retention: cfg.Persistence.WALRetention,
		keep:      cfg.Persistence.SnapshotKeep,
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lifecycle.Store(int32(Init))
	l.store.Store(state.New())

	if err := os.MkdirAll(cfg.Node.StatePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := l.openComponents(cfg); err != nil {
		l.closeComponents()
		return nil, err
	}

	if err := l.loadSnapshot(); err != nil {
		l.closeComponents()
		return nil, err
	}
	l.lifecycle.Store(int32(Operating))

	if cfg.Persistence.RecoverOnStart {
		ok, elapsed := l.RecoverFromCrash(context.Background())
		if !ok {
			l.closeComponents()
			return nil, fmt.Errorf("%w after %s", ErrRecoveryFailed, elapsed)
		}
	}

	return l, nil
}

func (l *Layer) openComponents(cfg *config.Config) error {
	var err error

	l.log, err = wal.Open(cfg.WALPath(),
		wal.WithSync(cfg.Persistence.SyncWrites),
		wal.WithLogger(l.logger.Named("wal")),
	)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	l.journal = l.log

	l.snapshots, err = snapshot.NewManager(cfg.SnapshotDir(), snapshot.WithLogger(l.logger.Named("snapshot")))
	if err != nil {
		return fmt.Errorf("failed to open snapshot manager: %w", err)
	}

	l.coordinator = recovery.NewCoordinator(l.log, l.snapshots, recovery.WithLogger(l.logger.Named("recovery")))

	if cfg.Persistence.Ledger {
		l.ledger, err = storage.New(cfg.LedgerPath())
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		l.loadCounters()
	}

	if l.audit == nil {
		l.audit, err = audit.Open(context.Background(), cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return fmt.Errorf("failed to open audit sink: %w", err)
		}
	}
	return nil
}

// loadSnapshot restores the newest snapshot into memory without touching
// the WAL tail.
func (l *Layer) loadSnapshot() error {
	snap, err := l.snapshots.LoadLatest()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		l.logger.Info("no snapshot on disk, starting empty")
		return nil
	}
	if !snap.Verify() {
		return fmt.Errorf("%w: snapshot %s", recovery.ErrSnapshotCorrupt, snap.ID)
	}

	store, err := state.FromMap(snap.State)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
	}
	l.store.Store(store)
	l.log.AdvanceTo(snap.Metadata.WALSequence)
	l.logger.Info("snapshot loaded", "id", snap.ID, "entries", store.Len(), "root", store.Root())
	return nil
}

func (l *Layer) loadCounters() {
	var c recoveryCounters
	if v, err := l.ledger.GetMetadata(metaRecoveryCount); err == nil && v != "" {
		c.count, _ = strconv.Atoi(v)
	}
	if v, err := l.ledger.GetMetadata(metaLastRecoveryTimeMS); err == nil && v != "" {
		c.lastMS, _ = strconv.ParseFloat(v, 64)
	}
	if cp, err := l.ledger.LatestCheckpoint(storage.KindRecovery); err == nil {
		c.lastSuccess = cp.Success
		c.lastAt = cp.Timestamp
	}
	l.stats = c
}

// PutState journals and applies key=value and returns the new root.
func (l *Layer) PutState(ctx context.Context, key string, value state.Value) (string, error) {
	if len(value) == 0 {
		value = state.NullValue
	}
	normalized, err := state.ParseValue(value)
	if err != nil {
		return "", err
	}
	return l.mutate(ctx, wal.OpPut, key, normalized)
}

// DeleteState journals and applies the removal of key. Deleting an absent
// key is journaled and leaves the root unchanged.
func (l *Layer) DeleteState(ctx context.Context, key string) (string, error) {
	return l.mutate(ctx, wal.OpDelete, key, nil)
}

func (l *Layer) mutate(ctx context.Context, op wal.Op, key string, value state.Value) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != Operating {
		return "", fmt.Errorf("%w (state %s)", ErrNotOperating, l.State())
	}

	store := l.store.Load()
	rootBefore := store.Root()

	if _, err := l.journal.AppendIntent(op, key, value, rootBefore); err != nil {
		return "", fmt.Errorf("failed to journal intent: %w", err)
	}

	prev, existed := store.Get(key)
	switch op {
	case wal.OpPut:
		if err := store.Put(key, value); err != nil {
			return "", err
		}
	case wal.OpDelete:
		store.Delete(key)
	}
	rootAfter := store.Root()

	committed, err := l.journal.AppendCommitted(op, key, value, rootBefore, rootAfter)
	if err != nil {
		// The intent stays dangling, so memory must go back to rootBefore.
		l.rollback(store, key, prev, existed)
		return "", fmt.Errorf("failed to journal commit: %w", err)
	}

	l.ops++
	l.metrics.ObserveWrite(string(op), time.Since(start), store.Len(), committed.Sequence)
	l.record(ctx, audit.Event{
		Type:     audit.EventWrite,
		Op:       string(op),
		Key:      key,
		Root:     rootAfter,
		Sequence: committed.Sequence,
		Success:  true,
	})

	if l.threshold > 0 && l.ops >= l.threshold {
		if _, err := l.snapshotLocked(ctx); err != nil {
			l.logger.Error("auto snapshot failed", "error", err)
			if aerr := l.alerts.SendSystemAlert("Auto snapshot failed", err.Error(), "warning"); aerr != nil {
				l.logger.Warn("failed to send alert", "error", aerr)
			}
		}
	}

	return rootAfter, nil
}

func (l *Layer) rollback(store *state.Store, key string, prev state.Value, existed bool) {
	if !existed {
		store.Delete(key)
		return
	}
	if err := store.Put(key, prev); err != nil {
		l.logger.Error("failed to roll back uncommitted mutation", "key", key, "error", err)
	}
}

func (l *Layer) GetState(key string) (state.Value, bool) {
	return l.store.Load().Get(key)
}

// CreateSnapshot persists the current state, truncates the WAL behind it to
// the retention window and prunes old snapshots.
func (l *Layer) CreateSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != Operating {
		return nil, fmt.Errorf("%w (state %s)", ErrNotOperating, l.State())
	}
	return l.snapshotLocked(ctx)
}

func (l *Layer) snapshotLocked(ctx context.Context) (*snapshot.Snapshot, error) {
	start := time.Now()
	entries, root := l.store.Load().Copy()
	seq := l.log.LastSequence()

	snap, err := l.snapshots.Create(root, entries, snapshot.Metadata{
		WALSequence:     seq,
		OperationsCount: l.ops,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	l.ops = 0

	if seq > l.retention {
		removed, err := l.log.Truncate(seq - l.retention)
		if err != nil {
			l.logger.Warn("failed to truncate wal", "error", err)
		} else if removed > 0 {
			l.logger.Debug("wal truncated", "removed", removed, "before", seq-l.retention)
		}
	}

	if removed, err := l.snapshots.Cleanup(l.keep); err != nil {
		l.logger.Warn("failed to clean up snapshots", "error", err)
	} else if removed > 0 {
		l.logger.Debug("old snapshots removed", "count", removed)
	}

	took := time.Since(start)
	l.checkpoint(&storage.Checkpoint{
		Kind:        storage.KindSnapshot,
		Root:        snap.Root,
		WALSequence: seq,
		SnapshotID:  snap.ID,
		Success:     true,
		ElapsedMS:   float64(took) / float64(time.Millisecond),
		Detail:      fmt.Sprintf("block %d, %d entries", snap.BlockHeight, len(entries)),
	})
	l.record(ctx, audit.Event{
		Type:     audit.EventSnapshot,
		Root:     snap.Root,
		Sequence: seq,
		Success:  true,
		Detail:   snap.ID,
	})
	l.metrics.ObserveSnapshot(took)
	l.logger.Info("snapshot created", "id", snap.ID, "root", snap.Root, "wal_sequence", seq, "block_height", snap.BlockHeight)
	return snap, nil
}

// RecoverFromCrash rebuilds state from the newest snapshot plus the WAL tail.
// The rebuilt store replaces the in-memory one only on success. Writes are
// rejected while it runs; reads keep serving the previous store.
func (l *Layer) RecoverFromCrash(ctx context.Context) (bool, time.Duration) {
	l.mu.Lock()
	if s := l.State(); s != Operating {
		l.mu.Unlock()
		l.logger.Warn("recovery refused", "state", s)
		return false, 0
	}
	l.lifecycle.Store(int32(Recovering))
	l.mu.Unlock()

	res := l.coordinator.Recover(ctx)

	l.mu.Lock()
	if res.Success {
		l.store.Store(res.Store)
		l.log.AdvanceTo(res.LastSequence)
		l.ops = 0
	}
	l.lifecycle.Store(int32(Operating))
	l.mu.Unlock()

	l.afterRecovery(ctx, res)
	return res.Success, res.Elapsed
}

func (l *Layer) afterRecovery(ctx context.Context, res *recovery.Result) {
	ms := res.ElapsedMS()

	l.statsMu.Lock()
	l.stats.count++
	l.stats.lastMS = ms
	l.stats.lastSuccess = res.Success
	l.stats.lastAt = time.Now().UTC()
	count := l.stats.count
	l.statsMu.Unlock()

	detail := fmt.Sprintf("applied %d, dangling %d, orphans %d, corrupt %d",
		res.Applied, res.Dangling, res.Orphans, res.Corrupt)
	if res.Err != nil {
		detail = res.Err.Error()
	}

	if l.ledger != nil {
		if err := l.ledger.SetMetadata(metaRecoveryCount, strconv.Itoa(count)); err != nil {
			l.logger.Warn("failed to persist recovery count", "error", err)
		}
		if err := l.ledger.SetMetadata(metaLastRecoveryTimeMS, strconv.FormatFloat(ms, 'f', -1, 64)); err != nil {
			l.logger.Warn("failed to persist recovery time", "error", err)
		}
	}
	l.checkpoint(&storage.Checkpoint{
		Kind:        storage.KindRecovery,
		Root:        res.Root,
		WALSequence: res.LastSequence,
		SnapshotID:  res.SnapshotID,
		Success:     res.Success,
		ElapsedMS:   ms,
		Detail:      detail,
	})
	l.record(ctx, audit.Event{
		Type:     audit.EventRecovery,
		Root:     res.Root,
		Sequence: res.LastSequence,
		Success:  res.Success,
		Detail:   detail,
	})
	l.metrics.ObserveRecovery(res.Success, res.Elapsed, res.Dangling, res.Corrupt, l.store.Load().Len())

	if res.Success {
		l.logger.Info("recovery complete", "elapsed_ms", ms, "root", res.Root, "snapshot", res.SnapshotID,
			"applied", res.Applied, "dangling", res.Dangling, "corrupt", res.Corrupt)
		return
	}

	l.logger.Error("recovery failed", "elapsed_ms", ms, "error", res.Err)
	if err := l.alerts.SendRecoveryFailureAlert(l.nodeID, ms, res.SnapshotID, detail); err != nil {
		l.logger.Warn("failed to send alert", "error", err)
	}
}

func (l *Layer) MerkleRoot() string {
	return l.store.Load().Root()
}

// VerifyIntegrity recomputes the root from content and compares it with the
// stored one. The recomputed root is returned either way.
func (l *Layer) VerifyIntegrity() (bool, string) {
	ok, computed := l.store.Load().VerifyIntegrity()
	l.metrics.SetIntegrity(ok)
	if !ok {
		l.record(context.Background(), audit.Event{
			Type:    audit.EventIntegrity,
			Root:    computed,
			Success: false,
			Detail:  "stored root " + l.MerkleRoot(),
		})
	}
	return ok, computed
}

// Export returns the root and a copy of the content taken under one lock.
func (l *Layer) Export() (string, map[string]state.Value) {
	entries, root := l.store.Load().Copy()
	return root, entries
}

func (l *Layer) State() Lifecycle {
	return Lifecycle(l.lifecycle.Load())
}

// Snapshots exposes the snapshot manager for listing and maintenance.
func (l *Layer) Snapshots() *snapshot.Manager {
	return l.snapshots
}

// Ledger returns the checkpoint ledger, or nil when it is disabled.
func (l *Layer) Ledger() *storage.Storage {
	return l.ledger
}

func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == Closed {
		return nil
	}
	l.lifecycle.Store(int32(Closed))
	return l.closeComponents()
}

func (l *Layer) closeComponents() error {
	var errs []error
	if l.log != nil {
		errs = append(errs, l.log.Close())
	}
	if l.ledger != nil {
		errs = append(errs, l.ledger.Close())
	}
	if l.audit != nil {
		errs = append(errs, l.audit.Close())
	}
	return errors.Join(errs...)
}

func (l *Layer) checkpoint(cp *storage.Checkpoint) {
	if l.ledger == nil {
		return
	}
	if err := l.ledger.AppendCheckpoint(cp); err != nil {
		l.logger.Warn("failed to append checkpoint", "kind", cp.Kind, "error", err)
	}
}

func (l *Layer) record(ctx context.Context, ev audit.Event) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(ctx, ev); err != nil {
		l.logger.Warn("failed to record audit event", "type", ev.Type, "error", err)
	}
}
