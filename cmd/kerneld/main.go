// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command kerneld is the demo host binary: it wires the worker pool
// (C4), job runners (C3), kernel sessions (C5), WebSocket bridge (C6),
// session manager (C7), operational event bus (C8), and binary watcher
// (C10) together behind one HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nodebooks/kernel/internal/collab"
	"github.com/nodebooks/kernel/internal/config"
	"github.com/nodebooks/kernel/internal/events"
	"github.com/nodebooks/kernel/internal/jobrunner"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/protocol"
	"github.com/nodebooks/kernel/internal/sessionmgr"
	"github.com/nodebooks/kernel/internal/watcher"
	"github.com/nodebooks/kernel/internal/wsbridge"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		host        string
		port        int
		workerPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.StringVar(&workerPath, "worker-bin", "", "Path to the kernelworker binary (default: ./kernelworker next to this binary)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("kerneld %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Printf("no config file found, using defaults: %v", err)
		} else {
			configPath = found
		}
	}

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.NewLoader().LoadWithDefaults(context.Background(), configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", configPath, err)
		}
		cfg = loaded
		log.Printf("using config: %s", configPath)
	} else {
		cfg = config.Default()
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if workerPath == "" {
		if self, err := os.Executable(); err == nil {
			workerPath = filepath.Join(filepath.Dir(self), "kernelworker")
		} else {
			workerPath = "./kernelworker"
		}
	}

	if err := run(cfg, workerPath); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config, workerPath string) error {
	historyMaxAge, err := time.ParseDuration(cfg.Events.HistoryMaxAge)
	if err != nil {
		historyMaxAge = time.Hour
	}
	bus := events.NewMemoryBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.HistoryMaxEvents,
		HistoryMaxAge:    historyMaxAge,
	})
	defer bus.Close()

	poolCfg := pool.Config{
		Size: cfg.Pool.Size,
		RunnerConfig: jobrunner.Config{
			AckTimeout:     5 * time.Second,
			DefaultTimeout: time.Duration(cfg.Worker.TimeoutMs) * time.Millisecond,
			MaxTimeout:     time.Duration(cfg.Worker.TimeoutMs) * time.Millisecond,
			CancelGrace:    2 * time.Second,
			MaxOutputBytes: 10 << 20,
		},
		MaxOutputBytes: 10 << 20,
	}
	spawner := &pool.BinarySpawner{
		Path: workerPath,
		Env: []string{
			fmt.Sprintf("NODEBOOKS_BATCH_MS=%d", cfg.Worker.BatchMs),
			fmt.Sprintf("NODEBOOKS_WORKER_MEMORY_MB=%d", cfg.Worker.MemoryMB),
		},
	}

	ctx := context.Background()
	workerPool, err := pool.New(ctx, poolCfg, spawner.SpawnFunc(), bus)
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	debounce, err := time.ParseDuration(cfg.Watch.Debounce)
	if err != nil {
		debounce = 500 * time.Millisecond
	}
	var binWatcher *watcher.BinaryWatcher
	watchPath := cfg.Watch.BinaryPath
	if watchPath == "" {
		watchPath = workerPath
	}
	if _, statErr := os.Stat(watchPath); statErr == nil {
		binWatcher, err = watcher.NewBinaryWatcher(bus, debounce)
		if err != nil {
			return fmt.Errorf("start binary watcher: %w", err)
		}
		if err := binWatcher.Watch("kernelworker", []string{watchPath}); err != nil {
			log.Printf("binary watcher: %v", err)
		}
		if _, err := bus.Subscribe(events.EventBinaryChanged, func(ctx context.Context, ev events.Event) error {
			log.Printf("kernelworker binary changed, rolling replacement starting")
			workerPool.ReplaceAll(ctx)
			return nil
		}); err != nil {
			log.Printf("subscribe to binary.changed: %v", err)
		}
	} else {
		log.Printf("worker binary %s not found, binary watcher disabled", watchPath)
	}

	notebooks := newAutoNotebookStore()
	manager := sessionmgr.New(workerPool, notebooks, collab.NaiveTranspiler{}, sessionmgr.DefaultConfig())

	bridgeCfg := wsbridge.DefaultConfig()
	if cfg.Worker.WSHeartbeatMs > 0 {
		bridgeCfg.HeartbeatInterval = time.Duration(cfg.Worker.WSHeartbeatMs) * time.Millisecond
	}
	bridge := wsbridge.New(manager, bridgeCfg)

	router := mux.NewRouter()
	bridge.Register(router)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	debugRouter := newDebugHandler(workerPool, bus, manager)
	router.PathPrefix("/debug/").Handler(debugRouter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("kerneld listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
	manager.Shutdown()
	if binWatcher != nil {
		if err := binWatcher.Close(); err != nil {
			log.Printf("binary watcher close: %v", err)
		}
	}
	if err := workerPool.Shutdown(shutdownCtx, 5*time.Second); err != nil {
		log.Printf("worker pool shutdown: %v", err)
	}

	log.Println("shutdown complete")
	return nil
}

// autoNotebookStore lazily creates a default NotebookEnv for any
// notebookID it has not seen, so the demo binary can accept any
// sessionId/notebookId pair without pre-registration.
type autoNotebookStore struct {
	*collab.MemoryNotebookStore
}

func newAutoNotebookStore() *autoNotebookStore {
	return &autoNotebookStore{MemoryNotebookStore: collab.NewMemoryNotebookStore()}
}

func (s *autoNotebookStore) Env(ctx context.Context, notebookID string) (protocol.NotebookEnv, error) {
	env, err := s.MemoryNotebookStore.Env(ctx, notebookID)
	if err == nil {
		return env, nil
	}
	env = protocol.NotebookEnv{Runtime: protocol.RuntimeNode, LanguageVersion: "20"}
	s.MemoryNotebookStore.Put(notebookID, env)
	return env, nil
}

