// Command pacsd is pacscore's DICOM storage-appliance server: it
// accepts associations, stores incoming instances to a blob store and
// metadata index, answers C-FIND/C-MOVE/C-ECHO and MPPS N-CREATE/N-SET
// against that index. DIMSE dispatch runs on the dimse_process stage and
// index and blob-store work on the storage_query_exec stage of the
// bounded six-stage job pipeline described by spec.md §4.5; the other
// four stages are started but are given no jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/config"
	"github.com/dicomnet/pacscore/logging"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/server"
	"github.com/dicomnet/pacscore/services"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

func main() {
	configPath := flag.String("config", "", "path to pacsd.yaml (default: search ./pacsd.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pacsd:", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("pacsd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := storage.Open(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage index: %w", err)
	}
	defer idx.Close()

	blobCfg := blobstore.Config{RootDir: cfg.Blobs.RootDir}
	blobs, err := blobstore.Open(blobCfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "address", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	pipelineCfg := pipeline.Config{
		NetworkReceive: pipeline.StageConfig{Workers: cfg.Pipeline.NetworkReceiveWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		PDUDecode:      pipeline.StageConfig{Workers: cfg.Pipeline.PDUDecodeWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		DIMSEProcess:   pipeline.StageConfig{Workers: cfg.Pipeline.DIMSEProcessWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		StorageQuery:   pipeline.StageConfig{Workers: cfg.Pipeline.StorageQueryWorkers, QueueDepth: cfg.Pipeline.QueueDepth, BlockingStage: true},
		ResponseEncode: pipeline.StageConfig{Workers: cfg.Pipeline.ResponseEncodeWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		NetworkSend:    pipeline.StageConfig{Workers: cfg.Pipeline.NetworkSendWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		DrainTimeout:   cfg.Pipeline.DrainTimeout,
	}
	coordinator := pipeline.NewCoordinator(pipelineCfg, m)
	coordinator.Start()
	defer coordinator.Stop(cfg.Pipeline.DrainTimeout)

	go runMaintenanceLoop(ctx, idx, coordinator, logger, cfg.Maintenance)

	registry := services.NewRegistry()
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(types.CStoreRQ,
		services.NewStoreService(idx, blobs, logger).WithCoordinator(coordinator).WithMetrics(m))
	registry.RegisterHandler(types.CFindRQ,
		services.NewFindService(idx, logger).WithCoordinator(coordinator).WithMetrics(m))
	registry.RegisterHandler(types.CMoveRQ,
		services.NewMoveService(idx, blobs, logger, cfg.Server.AETitle, services.NewDestinationMap(cfg.Move.Destinations)).
			WithCoordinator(coordinator).WithMetrics(m))
	registry.RegisterHandler(types.CGetRQ,
		services.NewGetService(idx, blobs, logger).WithCoordinator(coordinator).WithMetrics(m))
	mpps := services.NewMPPSService(idx, logger).WithCoordinator(coordinator)
	registry.RegisterHandler(types.NCreateRQ, mpps)
	registry.RegisterHandler(types.NSetRQ, mpps)

	srv := server.New(cfg.Server.AETitle, registry,
		server.WithLogger(logger),
		server.WithCoordinator(coordinator),
		server.WithMetrics(m),
		server.WithReadTimeout(cfg.Server.AssociationIdleTimeout),
		server.WithWriteTimeout(cfg.Server.AssociationIdleTimeout),
	)

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	defer listener.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down pacsd")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

// runMaintenanceLoop periodically folds the WAL and refreshes planner
// statistics on checkpointInterval, and vacuums on the coarser
// vacuumInterval, all routed through the pipeline's storage_query_exec
// stage so they never race a C-STORE/C-FIND holding the same writer lock.
func runMaintenanceLoop(ctx context.Context, idx *storage.Index, coordinator *pipeline.Coordinator, logger *slog.Logger, cfg config.MaintenanceConfig) {
	checkpointTicker := time.NewTicker(cfg.CheckpointInterval)
	defer checkpointTicker.Stop()
	vacuumTicker := time.NewTicker(cfg.VacuumInterval)
	defer vacuumTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkpointTicker.C:
			err := pipeline.Run(coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryMaintenance, "", func(context.Context) error {
				if err := idx.Checkpoint(false); err != nil {
					return err
				}
				return idx.Analyze()
			})
			if err != nil {
				logger.Warn("periodic checkpoint/analyze failed", "error", err)
			}
		case <-vacuumTicker.C:
			err := pipeline.Run(coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryMaintenance, "", func(context.Context) error {
				return idx.Vacuum()
			})
			if err != nil {
				logger.Warn("periodic vacuum failed", "error", err)
			}
		}
	}
}
