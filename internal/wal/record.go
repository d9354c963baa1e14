package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/witnz/sovereign/internal/state"
)

// PendingRoot is what an intent line carries in merkle_root_after.
const PendingRoot = "pending"

var ErrCorruptRecord = errors.New("wal: corrupt record")

type Op string

const (
	OpPut    Op = "PUT"
	OpDelete Op = "DELETE"
)

func (o Op) Valid() bool {
	return o == OpPut || o == OpDelete
}

// Record is either an *Intent or a *Committed.
type Record interface {
	Seq() uint64
	Header() Entry
	isRecord()
}

// Entry holds the fields both record kinds share.
type Entry struct {
	Sequence   uint64
	Op         Op
	Key        string
	Value      state.Value
	Timestamp  time.Time
	RootBefore string
}

func (e Entry) Seq() uint64 { return e.Sequence }

func (e Entry) Header() Entry { return e }

// Intent is written before a mutation is applied.
type Intent struct {
	Entry
}

// Committed is written after a mutation is applied and carries the root it
// produced.
type Committed struct {
	Entry
	RootAfter string
}

func (*Intent) isRecord()    {}
func (*Committed) isRecord() {}

// line is the on-disk form, one JSON object per line.
type line struct {
	SequenceNumber   uint64          `json:"sequence_number"`
	Operation        Op              `json:"operation"`
	Key              *string         `json:"key"`
	Value            json.RawMessage `json:"value"`
	Timestamp        float64         `json:"timestamp"`
	MerkleRootBefore string          `json:"merkle_root_before"`
	MerkleRootAfter  string          `json:"merkle_root_after"`
}

func encodeRecord(r Record) ([]byte, error) {
	e := r.Header()
	key := e.Key
	l := line{
		SequenceNumber:   e.Sequence,
		Operation:        e.Op,
		Key:              &key,
		Value:            json.RawMessage(state.NullValue),
		Timestamp:        float64(e.Timestamp.UnixNano()) / 1e9,
		MerkleRootBefore: e.RootBefore,
		MerkleRootAfter:  PendingRoot,
	}
	if len(e.Value) > 0 {
		l.Value = json.RawMessage(e.Value)
	}
	if c, ok := r.(*Committed); ok {
		l.MerkleRootAfter = c.RootAfter
	}

	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wal record: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeRecord(data []byte) (Record, error) {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if l.SequenceNumber == 0 {
		return nil, fmt.Errorf("%w: missing sequence_number", ErrCorruptRecord)
	}
	if !l.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrCorruptRecord, l.Operation)
	}
	if l.MerkleRootBefore == "" || l.MerkleRootAfter == "" {
		return nil, fmt.Errorf("%w: missing merkle root", ErrCorruptRecord)
	}
	if math.IsNaN(l.Timestamp) || math.IsInf(l.Timestamp, 0) {
		return nil, fmt.Errorf("%w: invalid timestamp", ErrCorruptRecord)
	}

	e := Entry{
		Sequence:   l.SequenceNumber,
		Op:         l.Operation,
		Timestamp:  time.Unix(0, int64(l.Timestamp*1e9)),
		RootBefore: l.MerkleRootBefore,
	}
	if l.Key != nil {
		e.Key = *l.Key
	}
	if len(l.Value) > 0 && string(l.Value) != "null" {
		e.Value = state.Value(l.Value)
	}
	if e.Op == OpPut && e.Value == nil {
		e.Value = state.NullValue
	}

	if l.MerkleRootAfter == PendingRoot {
		return &Intent{Entry: e}, nil
	}
	return &Committed{Entry: e, RootAfter: l.MerkleRootAfter}, nil
}
