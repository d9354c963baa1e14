package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/snapshot"
	"github.com/witnz/sovereign/internal/state"
	"github.com/witnz/sovereign/internal/verify"
	"github.com/witnz/sovereign/internal/wal"
)

var (
	ErrRootMismatch    = errors.New("recovery: root mismatch")
	ErrSnapshotCorrupt = errors.New("recovery: snapshot root does not match its state")
)

// Budgets are the latency targets per phase. Overruns are logged, never
// enforced.
type Budgets struct {
	Load   time.Duration
	Replay time.Duration
	Verify time.Duration
	Total  time.Duration
}

var DefaultBudgets = Budgets{
	Load:   100 * time.Millisecond,
	Replay: 400 * time.Millisecond,
	Verify: 10 * time.Millisecond,
	Total:  500 * time.Millisecond,
}

type Phases struct {
	Load   time.Duration
	Replay time.Duration
	Verify time.Duration
}

type Result struct {
	Success bool
	Elapsed time.Duration
	Phases  Phases

	// Store is the rebuilt state. It is nil unless Success is true.
	Store      *state.Store
	Root       string
	SnapshotID string
	Floor      uint64
	// LastSequence is the highest sequence seen in the replayed tail, or the
	// floor when the tail is empty.
	LastSequence uint64

	Applied  int
	Dangling int
	Orphans  int
	Corrupt  int

	Err error
}

func (r *Result) ElapsedMS() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

// Coordinator rebuilds state from the newest snapshot plus the WAL tail.
type Coordinator struct {
	log       *wal.Log
	snapshots *snapshot.Manager
	logger    hclog.Logger
	budgets   Budgets
}

type Option func(*Coordinator)

func WithLogger(logger hclog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithBudgets(b Budgets) Option {
	return func(c *Coordinator) {
		c.budgets = b
	}
}

func NewCoordinator(log *wal.Log, snapshots *snapshot.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       log,
		snapshots: snapshots,
		logger:    hclog.NewNullLogger(),
		budgets:   DefaultBudgets,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recover runs load, replay and verify to completion against a fresh store.
// It never panics: every failure, including a panic inside a phase, comes
// back as a Result with Success false. The context is only checked before
// starting; a running recovery is not interrupted.
func (c *Coordinator) Recover(ctx context.Context) (res *Result) {
	res = &Result{}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("recovery panicked: %v", r)
		}
		if res.Err != nil {
			res.Success = false
			res.Store = nil
		}
		res.Elapsed = time.Since(start)
		c.report(res)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	entries, err := c.loadPhase(res)
	if err != nil {
		res.Err = err
		return res
	}

	lastRoot, err := c.replayPhase(res, entries)
	if err != nil {
		res.Err = err
		return res
	}

	store, err := c.verifyPhase(res, entries, lastRoot)
	if err != nil {
		res.Err = err
		return res
	}

	res.Store = store
	res.Root = store.Root()
	res.Success = true
	return res
}

func (c *Coordinator) loadPhase(res *Result) (map[string]state.Value, error) {
	start := time.Now()
	defer func() { res.Phases.Load = time.Since(start) }()

	snap, err := c.snapshots.LoadLatest()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		c.logger.Info("no snapshot found, recovering from empty state")
		return make(map[string]state.Value), nil
	}

	if !snap.Verify() {
		return nil, fmt.Errorf("%w: snapshot %s", ErrSnapshotCorrupt, snap.ID)
	}

	entries := make(map[string]state.Value, len(snap.State))
	for k, v := range snap.State {
		entries[k] = v
	}
	res.SnapshotID = snap.ID
	res.Floor = snap.Metadata.WALSequence
	res.LastSequence = res.Floor
	res.Root = snap.Root
	c.logger.Debug("snapshot loaded", "id", snap.ID, "entries", len(entries), "wal_sequence", res.Floor)
	return entries, nil
}

// replayPhase applies every committed record above the floor to entries and
// returns the root the last one claims.
func (c *Coordinator) replayPhase(res *Result, entries map[string]state.Value) (string, error) {
	start := time.Now()
	defer func() { res.Phases.Replay = time.Since(start) }()

	replayed, err := c.log.Replay(res.Floor)
	if err != nil {
		return "", fmt.Errorf("failed to replay wal: %w", err)
	}

	for _, d := range replayed.Diagnostics {
		c.logger.Warn("skipping corrupt wal record", "line", d.Line, "error", d.Err)
	}
	res.Corrupt = len(replayed.Diagnostics)

	outcome := replayed.Reconcile()
	for _, intent := range outcome.Dangling {
		c.logger.Warn("skipping interrupted operation", "sequence", intent.Sequence,
			"op", intent.Op, "key", intent.Key)
	}
	res.Dangling = len(outcome.Dangling)
	res.Orphans = len(outcome.Orphans)

	for _, rec := range replayed.Records {
		if rec.Seq() > res.LastSequence {
			res.LastSequence = rec.Seq()
		}
	}

	lastRoot := ""
	for _, rec := range outcome.Committed {
		switch rec.Op {
		case wal.OpPut:
			entries[rec.Key] = rec.Value
		case wal.OpDelete:
			delete(entries, rec.Key)
		}
		lastRoot = rec.RootAfter
		res.Applied++
	}
	return lastRoot, nil
}

func (c *Coordinator) verifyPhase(res *Result, entries map[string]state.Value, lastRoot string) (*state.Store, error) {
	start := time.Now()
	defer func() { res.Phases.Verify = time.Since(start) }()

	store, err := state.FromMap(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild state: %w", err)
	}

	ok, computed := store.VerifyIntegrity()
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrRootMismatch,
			verify.NewIntegrityError("recovered state", store.Root(), computed))
	}

	if lastRoot != "" && lastRoot != store.Root() {
		return nil, fmt.Errorf("%w: %w", ErrRootMismatch,
			verify.NewIntegrityError("wal tail", lastRoot, store.Root()))
	}
	return store, nil
}

func (c *Coordinator) report(res *Result) {
	check := func(phase string, took, budget time.Duration) {
		if budget > 0 && took > budget {
			c.logger.Warn("recovery phase over budget", "phase", phase, "elapsed", took, "budget", budget)
		}
	}
	check("load", res.Phases.Load, c.budgets.Load)
	check("replay", res.Phases.Replay, c.budgets.Replay)
	check("verify", res.Phases.Verify, c.budgets.Verify)
	check("total", res.Elapsed, c.budgets.Total)

	if !res.Success {
		c.logger.Error("recovery failed", "elapsed_ms", res.ElapsedMS(), "error", res.Err)
		return
	}
	c.logger.Info("recovery complete", "elapsed_ms", res.ElapsedMS(), "root", res.Root,
		"snapshot", res.SnapshotID, "applied", res.Applied, "dangling", res.Dangling,
		"corrupt", res.Corrupt)
}
