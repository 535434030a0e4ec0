package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/routes"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/util/log"
)

/*
This file is the main entrypoint for cstore server startup. Startup opens the
catalog database and commit log, opens every keyspace known to the schema
store or named in the schema file, and replays the commit log before any
request is served.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	megabyte = 1024 * 1024
)

// Instance is an opened storage engine and the HTTP handler serving it.
type Instance struct {
	Registry *keyspace.Registry
	Handler  http.Handler
	Replayed keyspace.ReplayStats

	db  *sql.DB
	log *commitlog.Manager
}

// Open opens the storage engine described by options and replays its commit
// log.
func Open(ctx context.Context, options ...Option) (*Instance, error) { //nolint:funlen
	opts, err := readOpts(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	dbpath := opts.DatabasePath + "?_journal=WAL&mode=rwc"
	log.Infof(ctx, "Opening database at %s", dbpath)
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to ping database at %s: %w", dbpath, err), db.Close())
	}
	cat, err := catalog.NewSQLCatalog(ctx, db, 1000)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open catalog: %w", err), db.Close())
	}
	cl, err := commitlog.NewManager(ctx, opts.CommitLogDir,
		commitlog.WithTargetFileSize(opts.CommitLogSegmentBytes),
		commitlog.WithSyncWrites(opts.SyncCommitLog),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open commit log: %w", err), db.Close())
	}

	promreg := prometheus.NewRegistry()
	promreg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg := keyspace.NewRegistry(ctx, cl, cat, opts.StorageProvider,
		keyspace.WithFlushWorkers(opts.FlushWorkers),
		keyspace.WithMemtableSpace(opts.MemtableSpaceBytes, opts.MemtableCleanupRatio),
		keyspace.WithWriteTimeout(opts.WriteTimeout),
		keyspace.WithMetrics(metrics.NewPrometheus(promreg)),
		keyspace.WithSchemaStore(schema.NewStore(opts.StorageProvider, "schemas", 1000)),
	)
	inst := &Instance{Registry: reg, db: db, log: cl}
	if err := inst.openKeyspaces(ctx, opts.SchemaFile); err != nil {
		return nil, errors.Join(err, inst.Close(ctx))
	}
	inst.Replayed, err = reg.Replay(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to replay commit log: %w", err), inst.Close(ctx))
	}

	r := routes.MakeRoutes(reg, opts.AllowedOrigins, opts.SharedKey)
	r.Handle("/metrics", promhttp.HandlerFor(promreg, promhttp.HandlerOpts{}))
	inst.Handler = r
	return inst, nil
}

// openKeyspaces opens the keyspaces recorded in the schema store, then those
// of the schema file that are not yet open.
func (inst *Instance) openKeyspaces(ctx context.Context, schemaFile string) error {
	if err := inst.Registry.OpenStored(ctx); err != nil {
		return fmt.Errorf("failed to open stored keyspaces: %w", err)
	}
	if schemaFile == "" {
		return nil
	}
	s, err := schema.LoadFile(schemaFile)
	if err != nil {
		return err
	}
	for _, def := range s.Keyspaces {
		if _, err := inst.Registry.Get(def.Name); err == nil {
			continue
		}
		if _, err := inst.Registry.Open(ctx, def); err != nil {
			return err
		}
		log.Infow(ctx, "Opened keyspace from schema file", "keyspace", def.Name, "tables", len(def.Tables))
	}
	return nil
}

// Close flushes every keyspace and releases the engine's resources.
func (inst *Instance) Close(ctx context.Context) error {
	var flushErr error
	if err := inst.Registry.Flush(ctx); err != nil {
		flushErr = fmt.Errorf("failed to flush on shutdown: %w", err)
	}
	return errors.Join(
		flushErr,
		inst.Registry.Close(ctx),
		inst.log.Close(),
		inst.db.Close(),
	)
}

// CStore is the cstore service.
type CStore struct{}

// NewCStoreService creates a new cstore service.
func NewCStoreService() *CStore {
	return &CStore{}
}

// Start starts the cstore service and blocks until it is interrupted.
func (c *CStore) Start(ctx context.Context, options ...Option) error { //nolint:funlen
	opts, err := readOpts(options...)
	if err != nil {
		return fmt.Errorf("failed to read options: %w", err)
	}
	slog.SetLogLoggerLevel(opts.LogLevel)
	log.Debugf(ctx, "Debug logging enabled")

	inst, err := Open(ctx, options...)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           inst.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigint := make(chan os.Signal, 1)
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)
	signal.Notify(sigterm, syscall.SIGTERM)

	startErr := make(chan error, 1)
	go func() {
		log.Infow(ctx, "Starting server",
			"port", opts.Port,
			"storage", opts.StorageProvider,
			"memtable_space", humanize.Bytes(uint64(opts.MemtableSpaceBytes)),
			"replayed", inst.Replayed.Applied,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startErr <- err
		}
	}()

	if opts.PprofAddr != "" {
		go func() {
			r := mux.NewRouter()
			r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
			log.Infof(ctx, "Starting pprof server on %s", opts.PprofAddr)
			srv := &http.Server{
				Addr:              opts.PprofAddr,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				log.Errorf(ctx, "failed to start pprof server: %s", err)
			}
		}()
	}

	select {
	case <-sigint:
		log.Infof(ctx, "Received SIGINT")
	case <-sigterm:
		log.Infof(ctx, "Received SIGTERM")
	case err := <-startErr:
		return errors.Join(fmt.Errorf("failed to start server: %w", err), inst.Close(ctx))
	}

	log.Infof(ctx, "Allowing %s for existing connections to close", opts.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(ctx, opts.ShutdownTimeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		if err := srv.Shutdown(ctx); err != nil {
			errs <- err
			return
		}
		log.Infof(ctx, "Server stopped")
		errs <- inst.Close(ctx)
	}()

	select {
	case <-sigint:
		return errors.New("forceful shutdown on second interrupt")
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

func readOpts(opts ...Option) (*Options, error) {
	options := Options{
		Port:                  8089,
		LogLevel:              slog.LevelInfo,
		DatabasePath:          "cstore.db",
		CommitLogDir:          "commitlog",
		CommitLogSegmentBytes: 32 * megabyte,
		FlushWorkers:          2,
		MemtableSpaceBytes:    256 * megabyte,
		MemtableCleanupRatio:  0.5,
		WriteTimeout:          2 * time.Second,
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:8080",
		},
		ShutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.StorageProvider == nil {
		return nil, errors.New("storage provider is required")
	}
	if options.MemtableCleanupRatio <= 0 || options.MemtableCleanupRatio > 1 {
		return nil, fmt.Errorf("memtable cleanup ratio must be in (0, 1]: %v", options.MemtableCleanupRatio)
	}
	return &options, nil
}
