package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/strawhat5/zeebe/internal/config"
	"github.com/strawhat5/zeebe/internal/director"
	"github.com/strawhat5/zeebe/internal/metrics"
	"github.com/strawhat5/zeebe/internal/processor"
	"github.com/strawhat5/zeebe/internal/raft"
	"github.com/strawhat5/zeebe/internal/snapshot"
	"github.com/strawhat5/zeebe/internal/sql"
	"github.com/strawhat5/zeebe/internal/storage"
	"github.com/strawhat5/zeebe/internal/storage/boltdb"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

func main() {
	configPath := flag.String("config", "", "Config file (yaml, toml or json)")
	nodeID := flag.Uint64("id", 0, "Node ID")
	listen := flag.String("listen", "", "HTTP listen address")
	peers := flag.String("peers", "", "Raft cluster as id=url,...")
	dataDir := flag.String("data-dir", "", "Data directory")
	engine := flag.String("engine", "", "State engine: memory or bolt")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = *nodeID
		case "listen":
			cfg.Listen = *listen
		case "peers":
			cfg.Peers = *peers
		case "data-dir":
			cfg.DataDir = *dataDir
		case "engine":
			cfg.Engine = *engine
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("broker failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openEngine(cfg *config.Config) (storage.Engine, error) {
	names := zbdb.ColumnFamilyNames()
	if cfg.Engine == config.EngineBolt {
		return boltdb.Open(cfg.RuntimeDir(), names)
	}
	return storage.OpenMemory(cfg.RuntimeDir(), names)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With("node", cfg.NodeID, "partition", cfg.PartitionID)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	// 1. Snapshots and state recovery
	store, err := snapshot.NewStore(cfg.SnapshotDir(), logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	controller := snapshot.NewStateController(store, cfg.RuntimeDir(), logger)
	if snap, ok, err := controller.Recover(); err != nil {
		return err
	} else if ok {
		logger.Info("starting from snapshot", "snapshot", snap.ID)
	}

	// 2. State store
	engine, err := openEngine(cfg)
	if err != nil {
		return fmt.Errorf("open %s engine: %w", cfg.Engine, err)
	}
	db, err := zbdb.Open(engine, zbdb.Options{Partition: cfg.PartitionID, Logger: logger, Metrics: reg})
	if err != nil {
		engine.Close()
		return err
	}
	defer db.Close()
	controller.Attach(db)
	defer controller.Attach(nil)

	// 3. Replicated log
	addrs, ids, err := config.ParsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []uint64{cfg.NodeID}
	}
	transport := raft.NewHTTPTransport(logger)
	transport.SetPeers(addrs)
	log, err := raft.NewLogStream(raft.Config{
		ID:           cfg.NodeID,
		Peers:        ids,
		WALPath:      cfg.WALDir(),
		TickInterval: cfg.TickInterval,
		Logger:       logger,
	}, transport)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	defer log.Close()
	transport.SetReporter(log.Node())
	defer transport.Close()

	// A persisted snapshot makes the log up to its lower bound obsolete once
	// every peer has replicated it.
	store.AddListener(func(s snapshot.PersistedSnapshot) {
		if err := log.CompactTo(s.LowerBound); err != nil {
			logger.Warn("compact log", "snapshot", s.ID, "err", err)
		}
	})

	// 4. Processing and snapshots
	proc := processor.New(processor.Config{Logger: logger, Metrics: reg}, db, log)
	dir, err := director.New(director.Config{
		Partition:             cfg.PartitionID,
		SnapshotPeriod:        cfg.SnapshotPeriod,
		MinimumSnapshotPeriod: cfg.MinimumSnapshotPeriod,
		Logger:                logger,
		Metrics:               reg,
	}, proc, log, controller)
	if err != nil {
		return err
	}

	// 5. HTTP
	exec := sql.NewExecutor(db)
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", reg.Handler)
	mux.HandleFunc("/raft", transport.Handler(log.Node()))
	mux.HandleFunc("/query", queryHandler(exec, log, logger))
	mux.HandleFunc("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		snaps, err := store.Snapshots()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snaps)
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error(name+" stopped", "err", err)
				stop()
			}
		}()
	}

	serve("raft", log.Run)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP listen failed", "err", err)
			stop()
		}
	}()

	// Only the leader processes and appends; followers replicate.
	if waitForLeadership(ctx, log.Node(), cfg.TickInterval) {
		logger.Info("became leader, starting stream processor")
		serve("stream processor", proc.Run)
		select {
		case <-proc.Started():
			serve("snapshot director", dir.Run)
		case <-ctx.Done():
		}
		serve("metrics exporter", func(ctx context.Context) error {
			exportMetrics(ctx, db, cfg.MetricsInterval)
			return nil
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}

func waitForLeadership(ctx context.Context, node *raft.Node, tick time.Duration) bool {
	t := time.NewTicker(tick)
	defer t.Stop()
	for !node.IsLeader() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func exportMetrics(ctx context.Context, db *zbdb.DB, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			db.ExportMetrics()
		}
	}
}

// queryHandler answers reads from the local state and appends writes to the
// log as commands. The SQL is taken from the sql parameter or the body.
func queryHandler(exec *sql.Executor, log *raft.LogStream, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("sql")
		if query == "" {
			buf := new(strings.Builder)
			io.Copy(buf, r.Body)
			query = buf.String()
		}

		plan, err := sql.ParseToPlan(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		if !sql.IsWrite(plan) {
			rows, err := exec.Execute(plan)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(rows)
			return
		}

		if !log.Node().IsLeader() {
			http.Error(w, "not the partition leader", http.StatusServiceUnavailable)
			return
		}
		cmd, err := sql.Command(plan)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pos, err := log.Append(r.Context(), cmd)
		if err != nil {
			logger.Warn("append command", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]int64{"position": pos})
	}
}
