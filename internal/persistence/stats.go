package persistence

import "time"

type Lifecycle int32

const (
	Init Lifecycle = iota
	Operating
	Recovering
	Closed
)

func (s Lifecycle) String() string {
	switch s {
	case Init:
		return "init"
	case Operating:
		return "operating"
	case Recovering:
		return "recovering"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of recovery history and current position.
// Recovery counters survive restarts when the ledger is enabled.
type Stats struct {
	RecoveryCount       int       `json:"recovery_count"`
	LastRecoveryTimeMS  float64   `json:"last_recovery_time_ms"`
	LastRecoverySuccess bool      `json:"last_recovery_success"`
	LastRecoveryAt      time.Time `json:"last_recovery_at"`

	Lifecycle             string `json:"state"`
	Root                  string `json:"merkle_root"`
	Entries               int    `json:"entries"`
	WALSequence           uint64 `json:"wal_sequence"`
	OpsSinceSnapshot      int    `json:"ops_since_snapshot"`
	AutoSnapshotThreshold int    `json:"auto_snapshot_threshold"`
	Snapshots             int    `json:"snapshots"`
}

func (l *Layer) RecoveryStats() Stats {
	l.statsMu.Lock()
	c := l.stats
	l.statsMu.Unlock()

	l.mu.Lock()
	ops := l.ops
	l.mu.Unlock()

	store := l.store.Load()
	return Stats{
		RecoveryCount:         c.count,
		LastRecoveryTimeMS:    c.lastMS,
		LastRecoverySuccess:   c.lastSuccess,
		LastRecoveryAt:        c.lastAt,
		Lifecycle:             l.State().String(),
		Root:                  store.Root(),
		Entries:               store.Len(),
		WALSequence:           l.log.LastSequence(),
		OpsSinceSnapshot:      ops,
		AutoSnapshotThreshold: l.threshold,
		Snapshots:             l.snapshots.Count(),
	}
}
