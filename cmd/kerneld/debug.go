// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"

	"github.com/nodebooks/kernel/internal/events"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/sessionmgr"
)

// debugSnapshot is the JSON shape kernelctl's status subcommand parses.
type debugSnapshot struct {
	Pool     pool.Stats      `json:"pool"`
	Sessions []sessionStatus `json:"sessions"`
}

type sessionStatus struct {
	ID          string `json:"id"`
	NotebookID  string `json:"notebook_id"`
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// newDebugHandler serves /debug/status with a point-in-time snapshot of
// pool and session state, and /debug/events with recent operational
// event history, for kernelctl's status and events subcommands.
func newDebugHandler(workerPool *pool.Pool, bus events.Bus, manager *sessionmgr.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		sessions := manager.List("")
		snap := debugSnapshot{Pool: workerPool.Stats(), Sessions: make([]sessionStatus, 0, len(sessions))}
		for _, s := range sessions {
			snap.Sessions = append(snap.Sessions, sessionStatus{
				ID:          s.ID,
				NotebookID:  s.NotebookID,
				Status:      string(s.Status()),
				Subscribers: s.SubscriberCount(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	mux.HandleFunc("/debug/events", func(w http.ResponseWriter, r *http.Request) {
		history, err := bus.History(events.Filter{Limit: 200})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(history)
	})

	return mux
}
