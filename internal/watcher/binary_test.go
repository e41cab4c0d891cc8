// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebooks/kernel/internal/events"
)

func newTestBus() *events.MemoryBus {
	return events.NewMemoryBus(events.MemoryBusConfig{
		HistoryMaxEvents: 100,
		HistoryMaxAge:    time.Hour,
	})
}

func TestBinaryWatcher_New(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	assert.NotNil(t, w)
}

func TestBinaryWatcher_Watch(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpFile, err := os.CreateTemp("", "kernelworker-*")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	err = w.Watch("kernelworker", []string{tmpFile.Name()})
	require.NoError(t, err)

	watching := w.Watching()
	assert.Contains(t, watching, "kernelworker")
}

func TestBinaryWatcher_WatchNonexistent(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	err = w.Watch("kernelworker", []string{"/tmp/nonexistent-binary-12345"})
	require.NoError(t, err)

	watching := w.Watching()
	assert.NotContains(t, watching, "kernelworker")
}

func TestBinaryWatcher_WatchDuplicate(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpFile, err := os.CreateTemp("", "kernelworker-*")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	err = w.Watch("kernelworker", []string{tmpFile.Name()})
	require.NoError(t, err)

	tmpFile2, err := os.CreateTemp("", "kernelworker-2-*")
	require.NoError(t, err)
	tmpFile2.Close()
	defer os.Remove(tmpFile2.Name())

	err = w.Watch("kernelworker", []string{tmpFile2.Name()})
	require.NoError(t, err)

	watching := w.Watching()
	assert.Len(t, watching, 1)
}

func TestBinaryWatcher_Unwatch(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpFile, err := os.CreateTemp("", "kernelworker-*")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	w.Watch("kernelworker", []string{tmpFile.Name()})

	err = w.Unwatch("kernelworker")
	require.NoError(t, err)

	watching := w.Watching()
	assert.NotContains(t, watching, "kernelworker")
}

func TestBinaryWatcher_UnwatchNonexistent(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	err = w.Unwatch("nonexistent")
	assert.Error(t, err)
}

func TestBinaryWatcher_FileChange_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	bus := newTestBus()
	defer bus.Close()

	var eventReceived atomic.Bool
	var receivedWorker string

	bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, e events.Event) error {
		eventReceived.Store(true)
		if w, ok := e.Payload["worker"].(string); ok {
			receivedWorker = w
		}
		return nil
	})

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "kernelworker")
	err = os.WriteFile(tmpFile, []byte("original"), 0755)
	require.NoError(t, err)

	err = w.Watch("kernelworker", []string{tmpFile})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	err = os.WriteFile(tmpFile, []byte("modified"), 0755)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	assert.True(t, eventReceived.Load(), "binary.changed event should be received")
	assert.Equal(t, "kernelworker", receivedWorker)
}

func TestBinaryWatcher_MultipleWorkers_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	bus := newTestBus()
	defer bus.Close()

	changedWorkers := make(map[string]bool)
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, e events.Event) error {
		if w, ok := e.Payload["worker"].(string); ok {
			<-mu
			changedWorkers[w] = true
			mu <- struct{}{}
		}
		return nil
	})

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpDir := t.TempDir()

	file1 := filepath.Join(tmpDir, "worker1")
	file2 := filepath.Join(tmpDir, "worker2")

	os.WriteFile(file1, []byte("v1"), 0755)
	os.WriteFile(file2, []byte("v1"), 0755)

	w.Watch("worker1", []string{file1})
	w.Watch("worker2", []string{file2})

	time.Sleep(100 * time.Millisecond)

	os.WriteFile(file1, []byte("v2"), 0755)

	time.Sleep(200 * time.Millisecond)

	<-mu
	assert.True(t, changedWorkers["worker1"])
	assert.False(t, changedWorkers["worker2"])
	mu <- struct{}{}
}

func TestBinaryWatcher_SetDebounce(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	w.SetDebounce(50 * time.Millisecond)
}

func TestBinaryWatcher_Close(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)

	tmpFile, err := os.CreateTemp("", "kernelworker-*")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	w.Watch("kernelworker", []string{tmpFile.Name()})

	err = w.Close()
	require.NoError(t, err)

	err = w.Close()
	assert.NoError(t, err)
}

func TestBinaryWatcher_Watching(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	assert.Empty(t, w.Watching())

	tmpDir := t.TempDir()
	file1 := filepath.Join(tmpDir, "worker1")
	file2 := filepath.Join(tmpDir, "worker2")

	os.WriteFile(file1, []byte(""), 0755)
	os.WriteFile(file2, []byte(""), 0755)

	w.Watch("worker1", []string{file1})
	w.Watch("worker2", []string{file2})

	watching := w.Watching()
	assert.Len(t, watching, 2)
	assert.Contains(t, watching, "worker1")
	assert.Contains(t, watching, "worker2")
}

func TestBinaryWatcher_AtomicRename_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	bus := newTestBus()
	defer bus.Close()

	var eventReceived atomic.Bool

	bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, e events.Event) error {
		eventReceived.Store(true)
		return nil
	})

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpDir := t.TempDir()
	binaryFile := filepath.Join(tmpDir, "kernelworker")
	tempFile := filepath.Join(tmpDir, "kernelworker.tmp")

	os.WriteFile(binaryFile, []byte("v1"), 0755)

	w.Watch("kernelworker", []string{binaryFile})
	time.Sleep(100 * time.Millisecond)

	os.WriteFile(tempFile, []byte("v2"), 0755)
	os.Rename(tempFile, binaryFile)

	time.Sleep(200 * time.Millisecond)

	assert.True(t, eventReceived.Load(), "should detect atomic rename")
}

func TestBinaryWatcher_RapidChanges_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	bus := newTestBus()
	defer bus.Close()

	var eventCount atomic.Int32

	bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, e events.Event) error {
		eventCount.Add(1)
		return nil
	})

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpDir := t.TempDir()
	binaryFile := filepath.Join(tmpDir, "kernelworker")

	os.WriteFile(binaryFile, []byte("v0"), 0755)
	w.Watch("kernelworker", []string{binaryFile})
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 10; i++ {
		os.WriteFile(binaryFile, []byte("v"+string(rune('0'+i))), 0755)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), eventCount.Load())
}

func TestBinaryWatcher_MultipleFilesPerWorker_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	bus := newTestBus()
	defer bus.Close()

	var eventReceived atomic.Bool
	var changedPath string

	bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, e events.Event) error {
		eventReceived.Store(true)
		if path, ok := e.Payload["path"].(string); ok {
			changedPath = path
		}
		return nil
	})

	w, err := NewBinaryWatcher(bus, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	tmpDir := t.TempDir()
	binaryFile := filepath.Join(tmpDir, "kernelworker")
	configFile := filepath.Join(tmpDir, "config.yaml")

	os.WriteFile(binaryFile, []byte("binary"), 0755)
	os.WriteFile(configFile, []byte("config: value"), 0644)

	w.Watch("kernelworker", []string{binaryFile, configFile})
	time.Sleep(100 * time.Millisecond)

	os.WriteFile(configFile, []byte("config: updated"), 0644)

	time.Sleep(200 * time.Millisecond)

	assert.True(t, eventReceived.Load(), "should detect config file change")
	assert.Equal(t, configFile, changedPath, "changed path should be config file")
}
