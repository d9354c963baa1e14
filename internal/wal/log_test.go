package wal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witnz/sovereign/internal/state"
)

const (
	rootA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	rootB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	rootC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), DefaultFileName), WithSync(false))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendPair(t *testing.T, l *Log, op Op, key string, value state.Value, before, after string) {
	t.Helper()
	_, err := l.AppendIntent(op, key, value, before)
	require.NoError(t, err)
	_, err = l.AppendCommitted(op, key, value, before, after)
	require.NoError(t, err)
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	l := openTestLog(t)

	intent, err := l.AppendIntent(OpPut, "a", state.MustValue(1), rootA)
	require.NoError(t, err)
	committed, err := l.AppendCommitted(OpPut, "a", state.MustValue(1), rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), intent.Seq())
	assert.Equal(t, uint64(2), committed.Seq())
	assert.Equal(t, uint64(2), l.LastSequence())
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	l := openTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.AppendIntent(OpPut, fmt.Sprintf("k%d", i), state.MustValue(i), rootA)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := l.Replay(0)
	require.NoError(t, err)
	require.Len(t, res.Records, 20)
	assert.Empty(t, res.Diagnostics)
	for i, rec := range res.Records {
		assert.Equal(t, uint64(i+1), rec.Seq())
	}
}

func TestOnDiskFormat(t *testing.T) {
	l := openTestLog(t)
	fixed := time.Unix(1700000000, 500000000)
	l.now = func() time.Time { return fixed }

	appendPair(t, l, OpPut, "a", state.Value(`{"x":1}`), rootA, rootB)
	_, err := l.AppendIntent(OpDelete, "a", nil, rootB)
	require.NoError(t, err)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(1), first["sequence_number"])
	assert.Equal(t, "PUT", first["operation"])
	assert.Equal(t, "a", first["key"])
	assert.Equal(t, map[string]any{"x": float64(1)}, first["value"])
	assert.Equal(t, 1700000000.5, first["timestamp"])
	assert.Equal(t, rootA, first["merkle_root_before"])
	assert.Equal(t, PendingRoot, first["merkle_root_after"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, rootB, second["merkle_root_after"])

	var third map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "DELETE", third["operation"])
	assert.Nil(t, third["value"])
}

func TestReplayTypedRecords(t *testing.T) {
	l := openTestLog(t)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)

	res, err := l.Replay(0)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	intent, ok := res.Records[0].(*Intent)
	require.True(t, ok)
	assert.Equal(t, "a", intent.Key)
	assert.Equal(t, rootA, intent.RootBefore)

	committed, ok := res.Records[1].(*Committed)
	require.True(t, ok)
	assert.Equal(t, rootB, committed.RootAfter)
	assert.True(t, committed.Value.Equal(state.MustValue(1)))
}

func TestReplayFromSequence(t *testing.T) {
	l := openTestLog(t)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)
	appendPair(t, l, OpPut, "b", state.MustValue(2), rootB, rootC)

	res, err := l.Replay(2)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, uint64(3), res.Records[0].Seq())
	assert.Equal(t, uint64(4), res.Records[1].Seq())
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	res, err := replayFile(filepath.Join(t.TempDir(), "absent.log"), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Diagnostics)
}

func TestReplaySkipsCorruptLines(t *testing.T) {
	l := openTestLog(t)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n{\"sequence_number\":9,\"operation\":\"MERGE\",\"merkle_root_before\":\"x\",\"merkle_root_after\":\"y\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendPair(t, l, OpPut, "b", state.MustValue(2), rootB, rootC)

	res, err := l.Replay(0)
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, 3, res.Diagnostics[0].Line)
	assert.Equal(t, 4, res.Diagnostics[1].Line)
	assert.ErrorIs(t, res.Diagnostics[0].Err, ErrCorruptRecord)
	assert.ErrorIs(t, res.Diagnostics[1].Err, ErrCorruptRecord)
}

func TestReopenRestoresSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := Open(path, WithSync(false))
	require.NoError(t, err)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)
	require.NoError(t, l.Close())

	l, err = Open(path, WithSync(false))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(2), l.LastSequence())

	rec, err := l.AppendIntent(OpDelete, "a", nil, rootB)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Seq())
}

func TestTornTailIsFencedOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := Open(path, WithSync(false))
	require.NoError(t, err)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence_number":3,"operation":"PU`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(path, WithSync(false))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(2), l.LastSequence())

	appendPair(t, l, OpPut, "b", state.MustValue(2), rootB, rootC)

	res, err := l.Replay(0)
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, 3, res.Diagnostics[0].Line)
	assert.Equal(t, uint64(3), res.Records[2].Seq())
}

func TestTruncateKeepsTailVerbatim(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		appendPair(t, l, OpPut, fmt.Sprintf("k%d", i), state.MustValue(i), rootA, rootB)
	}

	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := bytes.SplitAfter(before, []byte("\n"))

	removed, err := l.Truncate(7)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(lines[6:], nil), after)

	res, err := l.Replay(0)
	require.NoError(t, err)
	require.Len(t, res.Records, 4)
	assert.Equal(t, uint64(7), res.Records[0].Seq())

	rec, err := l.AppendIntent(OpPut, "z", state.MustValue(0), rootA)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), rec.Seq())
}

func TestTruncateEverythingKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := Open(path, WithSync(false))
	require.NoError(t, err)
	appendPair(t, l, OpPut, "a", state.MustValue(1), rootA, rootB)

	_, err = l.Truncate(l.LastSequence() + 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.LastSequence())
	require.NoError(t, l.Close())

	l, err = Open(path, WithSync(false))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(0), l.LastSequence())

	l.AdvanceTo(2)
	l.AdvanceTo(1)
	assert.Equal(t, uint64(2), l.LastSequence())
}

func TestAppendCommittedRequiresResolvedRoot(t *testing.T) {
	l := openTestLog(t)
	_, err := l.AppendCommitted(OpPut, "a", state.MustValue(1), rootA, PendingRoot)
	assert.Error(t, err)
	_, err = l.AppendIntent(Op("MERGE"), "a", nil, rootA)
	assert.Error(t, err)
	assert.Equal(t, uint64(0), l.LastSequence())
}

func TestClosedLogRejectsWrites(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Close())

	_, err := l.AppendIntent(OpPut, "a", state.MustValue(1), rootA)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Truncate(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, l.Close())
}
