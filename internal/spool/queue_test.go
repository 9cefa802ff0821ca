package spool

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunimp/DebugProbe/pkg/event"
)

func logEvent(msg string) event.DebugEvent {
	return event.NewLogEvent(event.LogPayload{Level: event.LevelInfo, Message: msg})
}

func waitCount(t *testing.T, q *Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.QueueCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, q.QueueCount())
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 100}, nil)
	require.NoError(t, err)
	defer q.Close()

	var batch []event.DebugEvent
	for i := 0; i < 7; i++ {
		batch = append(batch, logEvent(fmt.Sprintf("e%d", i)))
	}
	q.Enqueue(batch)
	waitCount(t, q, 7)

	got, err := q.DequeueBatch(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e0", got[0].Log.Message)
	assert.Equal(t, "e2", got[2].Log.Message)
	assert.Equal(t, 4, q.QueueCount())

	got, err = q.DequeueBatch(100)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 0, q.QueueCount())
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 100}, nil)
	require.NoError(t, err)
	q.Enqueue([]event.DebugEvent{logEvent("a"), logEvent("b")})
	waitCount(t, q, 2)
	require.NoError(t, q.Close())

	q2, err := Open(dir, Options{MaxQueueSize: 100}, nil)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, 2, q2.QueueCount())
	got, err := q2.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Log.Message)
}

func TestSizeCapEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 5}, nil)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 12; i++ {
		q.Enqueue([]event.DebugEvent{logEvent(fmt.Sprintf("e%d", i))})
	}
	waitCount(t, q, 5)
	got, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "e7", got[0].Log.Message)
	assert.Equal(t, "e11", got[4].Log.Message)
}

func TestRetentionEvictsOnOpen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 100, Retention: time.Hour}, nil)
	require.NoError(t, err)
	q.Enqueue([]event.DebugEvent{logEvent("old")})
	waitCount(t, q, 1)
	require.NoError(t, q.Close())

	// 将记录的写入时间改写到保留期之外
	rewriteWriteTimes(t, dir, time.Now().Add(-2*time.Hour).UnixMilli())

	q2, err := Open(dir, Options{MaxQueueSize: 100, Retention: time.Hour}, nil)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, 0, q2.QueueCount())
}

func TestTruncatedTailRepairedOnOpen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 100}, nil)
	require.NoError(t, err)
	q.Enqueue([]event.DebugEvent{logEvent("keep"), logEvent("partial")})
	waitCount(t, q, 2)
	require.NoError(t, q.Close())

	// 模拟崩溃：砍掉最后一条记录的尾部字节
	seg := onlySegment(t, dir)
	fi, err := os.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(seg, fi.Size()-5))

	q2, err := Open(dir, Options{MaxQueueSize: 100}, nil)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, 1, q2.QueueCount())
	got, err := q2.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].Log.Message)
}

func TestEmptyDequeue(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueSize: 10}, nil)
	require.NoError(t, err)
	defer q.Close()
	got, err := q.DequeueBatch(10)
	require.NoError(t, err)
	assert.Empty(t, got)
	q.Enqueue(nil)
	assert.Equal(t, 0, q.QueueCount())
}

func onlySegment(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, segPrefix+"*"+segSuffix))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}

// rewriteWriteTimes 就地改写所有记录头部的写入时间
func rewriteWriteTimes(t *testing.T, dir string, writeTime int64) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, segPrefix+"*"+segSuffix))
	require.NoError(t, err)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		off := 0
		for off+12 <= len(data) {
			length := int(binary.BigEndian.Uint32(data[off : off+4]))
			binary.BigEndian.PutUint64(data[off+4:off+12], uint64(writeTime))
			off += 12 + length
		}
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
}
