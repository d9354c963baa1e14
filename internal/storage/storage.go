package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/witnz/sovereign/internal/hash"
	"github.com/witnz/sovereign/internal/verify"
)

var (
	CheckpointBucket = []byte("checkpoints")
	MetadataBucket   = []byte("metadata")
)

const GenesisHash = "genesis"

var ErrNoCheckpoints = errors.New("storage: no checkpoints recorded")

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindRecovery Kind = "recovery"
)

// Checkpoint is one hash-chained ledger row describing a snapshot or a
// recovery run.
type Checkpoint struct {
	Sequence     uint64    `json:"sequence"`
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Root         string    `json:"root"`
	WALSequence  uint64    `json:"wal_sequence"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	Success      bool      `json:"success"`
	ElapsedMS    float64   `json:"elapsed_ms"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// body is what the chain hash covers.
func (c Checkpoint) body() Checkpoint {
	c.PreviousHash = ""
	c.Hash = ""
	return c
}

// Storage is the bbolt-backed checkpoint ledger.
type Storage struct {
	db *bolt.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{CheckpointBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// NewID returns a ULID, monotonic within this process.
func (s *Storage) NewID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// AppendCheckpoint assigns the next sequence, links cp to the previous row and
// stores it. Sequence, PreviousHash and Hash are filled in on cp.
func (s *Storage) AppendCheckpoint(cp *Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.ID == "" {
		cp.ID = s.NewID(cp.Timestamp)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(CheckpointBucket)

		prev := GenesisHash
		if _, v := bucket.Cursor().Last(); v != nil {
			var last Checkpoint
			if err := json.Unmarshal(v, &last); err != nil {
				return fmt.Errorf("failed to read last checkpoint: %w", err)
			}
			prev = last.Hash
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate checkpoint sequence: %w", err)
		}
		cp.Sequence = seq

		chained, err := hash.NewHashChain(prev).Add(cp.body())
		if err != nil {
			return fmt.Errorf("failed to hash checkpoint: %w", err)
		}
		cp.PreviousHash = prev
		cp.Hash = chained

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		return bucket.Put(sequenceKey(seq), data)
	})
}

func (s *Storage) GetCheckpoint(seq uint64) (*Checkpoint, error) {
	var cp Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(CheckpointBucket).Get(sequenceKey(seq))
		if data == nil {
			return fmt.Errorf("checkpoint not found: %d", seq)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// LatestCheckpoint returns the newest row, optionally restricted to kind.
func (s *Storage) LatestCheckpoint(kind Kind) (*Checkpoint, error) {
	var latest *Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(CheckpointBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				continue
			}
			if kind == "" || cp.Kind == kind {
				latest = &cp
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoCheckpoints
	}
	return latest, nil
}

// ListCheckpoints returns up to limit rows, newest first. A limit of zero
// returns everything.
func (s *Storage) ListCheckpoints(limit int) ([]*Checkpoint, error) {
	var out []*Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(CheckpointBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("failed to decode checkpoint %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// VerifyChain walks the ledger from genesis and recomputes every link. It
// returns the number of rows checked.
func (s *Storage) VerifyChain() (int, error) {
	checked := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		chain := hash.NewHashChain(GenesisHash)
		cursor := tx.Bucket(CheckpointBucket).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			seq := binary.BigEndian.Uint64(k)

			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("failed to decode checkpoint %d: %w", seq, err)
			}

			source := fmt.Sprintf("checkpoint %d", seq)
			if cp.PreviousHash != chain.GetPreviousHash() {
				return verify.NewIntegrityError(source+" link", chain.GetPreviousHash(), cp.PreviousHash)
			}
			computed, err := chain.Add(cp.body())
			if err != nil {
				return fmt.Errorf("failed to hash checkpoint %d: %w", seq, err)
			}
			if computed != cp.Hash {
				return verify.NewIntegrityError(source, cp.Hash, computed)
			}
			checked++
		}
		return nil
	})
	return checked, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
