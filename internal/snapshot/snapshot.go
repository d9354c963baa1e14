package snapshot

import (
	"math"
	"strconv"
	"time"

	"github.com/witnz/sovereign/internal/hash"
	"github.com/witnz/sovereign/internal/state"
)

type Metadata struct {
	WALSequence     uint64 `json:"wal_sequence"`
	OperationsCount int    `json:"operations_count"`
	// BlockHeight is written at the top level of the file. Zero means one
	// past the newest snapshot.
	BlockHeight int64 `json:"-"`
}

type Snapshot struct {
	ID          string                 `json:"snapshot_id"`
	Root        string                 `json:"merkle_root"`
	State       map[string]state.Value `json:"state_data"`
	Timestamp   float64                `json:"timestamp"`
	BlockHeight int64                  `json:"block_height"`
	Metadata    Metadata               `json:"metadata"`
}

// Verify reports whether the stored root is the digest of the stored state.
func (s *Snapshot) Verify() bool {
	computed, err := hash.StateRoot(s.State)
	if err != nil {
		return false
	}
	return computed == s.Root
}

func (s *Snapshot) Time() time.Time {
	return floatTime(s.Timestamp)
}

// IndexEntry is one row of snapshots_index.json.
type IndexEntry struct {
	ID          string  `json:"-"`
	Root        string  `json:"merkle_root"`
	Timestamp   float64 `json:"timestamp"`
	BlockHeight int64   `json:"block_height"`
	Path        string  `json:"path"`
}

func (e IndexEntry) Time() time.Time {
	return floatTime(e.Timestamp)
}

// snapshotID is the first 16 hex characters of sha256(root + timestamp).
func snapshotID(root string, ts float64) string {
	return hash.CalculateString(root + formatTimestamp(ts))[:16]
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func floatTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
