// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHistory_Add(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	event := Event{
		ID:        "1",
		Type:      EventWorkerStarted,
		Timestamp: time.Now(),
	}

	err := history.Add(event)
	assert.NoError(t, err)

	events, err := history.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "1", events[0].ID)
}

func TestEventHistory_MaxEvents(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 5,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	for i := 0; i < 10; i++ {
		history.Add(Event{
			ID:        string(rune('0' + i)),
			Type:      EventWorkerStarted,
			Timestamp: time.Now(),
		})
	}

	events, err := history.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 5)

	for i, e := range events {
		expectedID := string(rune('0' + (5 + i)))
		assert.Equal(t, expectedID, e.ID)
	}
}

func TestEventHistory_MaxAge(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    100 * time.Millisecond,
	})
	defer history.Close()

	history.Add(Event{
		ID:        "old",
		Type:      EventWorkerStarted,
		Timestamp: time.Now().Add(-200 * time.Millisecond),
	})

	history.Add(Event{
		ID:        "new",
		Type:      EventWorkerStarted,
		Timestamp: time.Now(),
	})

	history.Prune()

	events, err := history.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)
}

func TestEventHistory_Query_Types(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	events := []Event{
		{ID: "1", Type: EventWorkerStarted, Timestamp: time.Now()},
		{ID: "2", Type: EventWorkerCrashed, Timestamp: time.Now()},
		{ID: "3", Type: EventWorkerReplaced, Timestamp: time.Now()},
		{ID: "4", Type: EventJobDispatched, Timestamp: time.Now()},
		{ID: "5", Type: EventJobCompleted, Timestamp: time.Now()},
	}

	for _, e := range events {
		history.Add(e)
	}

	result, err := history.Query(Filter{Types: []string{"worker.*"}})
	require.NoError(t, err)
	assert.Len(t, result, 3)

	result, err = history.Query(Filter{Types: []string{"job.completed"}})
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Equal(t, "5", result[0].ID)

	result, err = history.Query(Filter{Types: []string{EventWorkerStarted, "job.*"}})
	require.NoError(t, err)
	assert.Len(t, result, 3)
}

func TestEventHistory_Query_NotebookID(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	events := []Event{
		{ID: "1", Type: EventWorkerStarted, NotebookID: "nb-main", Timestamp: time.Now()},
		{ID: "2", Type: EventWorkerStarted, NotebookID: "nb-other", Timestamp: time.Now()},
		{ID: "3", Type: EventWorkerCrashed, NotebookID: "nb-main", Timestamp: time.Now()},
	}

	for _, e := range events {
		history.Add(e)
	}

	result, err := history.Query(Filter{NotebookID: "nb-main"})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	result, err = history.Query(Filter{NotebookID: "nb-other"})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestEventHistory_Query_TimeRange(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	now := time.Now()
	events := []Event{
		{ID: "1", Type: EventWorkerStarted, Timestamp: now.Add(-30 * time.Minute)},
		{ID: "2", Type: EventWorkerStarted, Timestamp: now.Add(-15 * time.Minute)},
		{ID: "3", Type: EventWorkerStarted, Timestamp: now.Add(-5 * time.Minute)},
	}

	for _, e := range events {
		history.Add(e)
	}

	result, err := history.Query(Filter{Since: now.Add(-20 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	result, err = history.Query(Filter{Until: now.Add(-10 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	result, err = history.Query(Filter{
		Since: now.Add(-20 * time.Minute),
		Until: now.Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Equal(t, "2", result[0].ID)
}

func TestEventHistory_Query_Limit(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	for i := 0; i < 10; i++ {
		history.Add(Event{
			ID:        string(rune('0' + i)),
			Type:      EventWorkerStarted,
			Timestamp: time.Now(),
		})
	}

	result, err := history.Query(Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, result, 3)
}

func TestEventHistory_Query_CombinedFilters(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	now := time.Now()
	events := []Event{
		{ID: "1", Type: EventWorkerStarted, NotebookID: "nb-main", Timestamp: now.Add(-30 * time.Minute)},
		{ID: "2", Type: EventWorkerCrashed, NotebookID: "nb-main", Timestamp: now.Add(-15 * time.Minute)},
		{ID: "3", Type: EventWorkerStarted, NotebookID: "nb-other", Timestamp: now.Add(-10 * time.Minute)},
		{ID: "4", Type: EventJobDispatched, NotebookID: "nb-main", Timestamp: now.Add(-5 * time.Minute)},
	}

	for _, e := range events {
		history.Add(e)
	}

	result, err := history.Query(Filter{
		Types:      []string{"worker.*"},
		NotebookID: "nb-main",
		Since:      now.Add(-20 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Equal(t, "2", result[0].ID)
}

func TestEventHistory_Prune(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    50 * time.Millisecond,
	})
	defer history.Close()

	history.Add(Event{
		ID:        "1",
		Type:      EventWorkerStarted,
		Timestamp: time.Now(),
	})

	time.Sleep(100 * time.Millisecond)

	err := history.Prune()
	require.NoError(t, err)

	events, err := history.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 0)
}

func TestEventHistory_Order(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 100,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	now := time.Now()
	events := []Event{
		{ID: "3", Type: EventWorkerStarted, Timestamp: now.Add(2 * time.Second)},
		{ID: "1", Type: EventWorkerStarted, Timestamp: now},
		{ID: "2", Type: EventWorkerStarted, Timestamp: now.Add(1 * time.Second)},
	}

	for _, e := range events {
		history.Add(e)
	}

	result, err := history.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, "1", result[0].ID)
	assert.Equal(t, "2", result[1].ID)
	assert.Equal(t, "3", result[2].ID)
}

func TestEventHistory_Concurrency(t *testing.T) {
	history := NewEventHistory(EventHistoryConfig{
		MaxEvents: 1000,
		MaxAge:    time.Hour,
	})
	defer history.Close()

	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				history.Add(Event{
					ID:        string(rune(id*100 + j)),
					Type:      EventWorkerStarted,
					Timestamp: time.Now(),
				})
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				history.Query(Filter{})
			}
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		<-done
	}
}

func TestEventHistory_Integration_WithBus(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{
		HistoryMaxEvents: 10,
		HistoryMaxAge:    time.Hour,
	})
	defer bus.Close()

	for i := 0; i < 15; i++ {
		bus.Publish(context.Background(), Event{
			Type:       EventWorkerStarted,
			NotebookID: "nb-main",
		})
	}

	history, err := bus.History(Filter{})
	require.NoError(t, err)
	assert.Len(t, history, 10)
}
