package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/state"
)

const (
	DefaultFileName = "wal.log"
	DefaultFilePerm = 0600
	DefaultDirPerm  = 0750
)

var ErrClosed = errors.New("wal: log is closed")

// Log is an append-only journal with one JSON record per line. Appends are
// serialized by an internal mutex; it is not safe for writers in separate
// processes.
type Log struct {
	path   string
	sync   bool
	logger hclog.Logger
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	lastSeq uint64
	closed  bool
}

type Option func(*Log)

// WithSync controls whether every append is fsynced. Defaults to true.
func WithSync(enabled bool) Option {
	return func(l *Log) {
		l.sync = enabled
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Open opens or creates the log at path. A trailing fragment left by a torn
// write is fenced off with a newline so later appends start on a fresh line.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		sync:   true,
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}
	if err := l.repairTail(); err != nil {
		l.file.Close()
		return nil, err
	}

	last, err := l.scanLastSequence()
	if err != nil {
		l.file.Close()
		return nil, err
	}
	l.lastSeq = last

	l.logger.Debug("wal opened", "path", path, "last_sequence", last)
	return l, nil
}

func (l *Log) openFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	l.file = f
	return nil
}

func (l *Log) repairTail() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat wal: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := l.file.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read wal tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	l.logger.Warn("wal ends with a torn record, fencing it off", "path", l.path, "size", info.Size())
	if _, err := l.file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to repair wal tail: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) scanLastSequence() (uint64, error) {
	var last uint64
	err := scanLines(l.path, func(_ int, raw []byte) {
		rec, err := decodeRecord(raw)
		if err != nil {
			return
		}
		if rec.Seq() > last {
			last = rec.Seq()
		}
	})
	return last, err
}

// AppendIntent journals a mutation that is about to be applied.
func (l *Log) AppendIntent(op Op, key string, value state.Value, rootBefore string) (*Intent, error) {
	rec := &Intent{Entry: Entry{Op: op, Key: key, Value: value, RootBefore: rootBefore}}
	if err := l.append(rec, &rec.Entry); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendCommitted journals a mutation that has been applied, with the root it
// produced.
func (l *Log) AppendCommitted(op Op, key string, value state.Value, rootBefore, rootAfter string) (*Committed, error) {
	if rootAfter == "" || rootAfter == PendingRoot {
		return nil, fmt.Errorf("wal: committed record needs a resolved root, got %q", rootAfter)
	}
	rec := &Committed{Entry: Entry{Op: op, Key: key, Value: value, RootBefore: rootBefore}, RootAfter: rootAfter}
	if err := l.append(rec, &rec.Entry); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Log) append(rec Record, e *Entry) error {
	if !e.Op.Valid() {
		return fmt.Errorf("wal: unknown operation %q", e.Op)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	e.Sequence = l.lastSeq + 1
	e.Timestamp = l.now()

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if n, err := l.file.Write(data); err != nil {
		if n > 0 {
			l.dropPartial(int64(n))
		}
		return fmt.Errorf("failed to write wal record: %w", err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync wal: %w", err)
		}
	}

	l.lastSeq = e.Sequence
	return nil
}

// dropPartial cuts the last n bytes written by a failed append so the next
// record starts on a fresh line.
func (l *Log) dropPartial(n int64) {
	info, err := l.file.Stat()
	if err == nil && info.Size() >= n {
		err = l.file.Truncate(info.Size() - n)
	}
	if err != nil {
		l.logger.Error("failed to drop partial wal record", "path", l.path, "error", err)
	}
}

// Replay reads every parseable record with a sequence greater than fromSeq.
// Lines that fail to parse are reported as diagnostics, never as an error. A
// missing file yields an empty result.
func (l *Log) Replay(fromSeq uint64) (*ReplayResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return replayFile(l.path, fromSeq)
}

func replayFile(path string, fromSeq uint64) (*ReplayResult, error) {
	result := &ReplayResult{}
	err := scanLines(path, func(n int, raw []byte) {
		rec, err := decodeRecord(raw)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{Line: n, Err: err})
			return
		}
		if rec.Seq() > fromSeq {
			result.Records = append(result.Records, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Truncate drops every record with a sequence below beforeSeq. Surviving
// lines are copied verbatim into a new file which then replaces the log.
// Unparseable lines are dropped. It returns the number of lines removed.
func (l *Log) Truncate(beforeSeq uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create wal rewrite file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	removed := 0
	var writeErr error
	err = scanLines(l.path, func(_ int, raw []byte) {
		if writeErr != nil {
			return
		}
		rec, err := decodeRecord(raw)
		if err != nil || rec.Seq() < beforeSeq {
			removed++
			return
		}
		if _, err := w.Write(raw); err != nil {
			writeErr = err
			return
		}
		writeErr = w.WriteByte('\n')
	})
	if err == nil {
		err = writeErr
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rewrite wal: %w", err)
	}

	if err := l.file.Close(); err != nil {
		l.logger.Warn("failed to close wal before rewrite", "error", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		if reopenErr := l.openFile(); reopenErr != nil {
			l.closed = true
		}
		return 0, fmt.Errorf("failed to replace wal: %w", err)
	}
	syncDir(filepath.Dir(l.path))

	if err := l.openFile(); err != nil {
		l.closed = true
		return 0, err
	}

	l.logger.Debug("wal truncated", "before_sequence", beforeSeq, "removed", removed)
	return removed, nil
}

// AdvanceTo raises the sequence counter to at least seq.
func (l *Log) AdvanceTo(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
}

func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// scanLines calls fn for every non-blank line of the file at path with its
// 1-based line number. The final line may lack a newline.
func scanLines(path string, fn func(n int, raw []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open wal for reading: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	n := 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			n++
			raw = bytes.TrimRight(raw, "\r\n")
			if len(bytes.TrimSpace(raw)) > 0 {
				fn(n, raw)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read wal: %w", err)
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
