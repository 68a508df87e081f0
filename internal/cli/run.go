package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"mitm-monitor/internal/identity"
	"mitm-monitor/internal/ingest"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/monitor"
	"mitm-monitor/internal/profile"
	"mitm-monitor/internal/server"
	"mitm-monitor/internal/store"
	"mitm-monitor/internal/supervisor"
	"mitm-monitor/internal/wg"
	"mitm-monitor/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run [stdin]",
		Short: "Run the flow monitor",
		Long:  "Reads flows from stdin or journalctl (INPUT), echoes them to stdout and projects player state. Passing \"stdin\" forces stdin input.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMonitor,
	}

	RootCmd.AddCommand(cmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {

	// ====================================================================
	// Config & Metrics
	// ====================================================================
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if args[0] != "stdin" {
			return fmt.Errorf("unknown input %q (only \"stdin\" is accepted)", args[0])
		}
		cfg.Input = "stdin"
	}
	m := metrics.New()

	// ====================================================================
	// Store → Resolver / Mutator / Tracker → Handler
	// ====================================================================
	st, err := store.Open(cfg, m)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	resolver := identity.NewResolver(st, m, identity.Options{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		Timeout:    cfg.StoreTimeout,
	})
	mutator := profile.NewMutator(st, m, cfg.StoreTimeout)
	tracker := profile.NewTracker(mutator, m, profile.TrackerOptions{
		OfflineAfter: cfg.OfflineAfter,
		ForgetAfter:  cfg.ForgetAfter,
	})
	handler := monitor.NewHandler(cfg.APIHost, resolver, mutator, tracker, m)

	// ====================================================================
	// Signal → ctx. SIGINT/SIGTERM 이면 읽기를 멈추고 아래 종료 순서를 탄다.
	// ====================================================================
	ctx, stop := signalContext(cmd)
	defer stop()

	src, err := ingest.OpenSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	dispatcher := worker.NewDispatcher(handler, m, cfg.DispatchWorkers, cfg.DispatchQueue)
	dispatcher.Start(ctx)

	var archiver *worker.Archiver
	var archive ingest.Sink
	if cfg.ArchiveEnabled() {
		up, err := worker.NewS3Uploader(ctx, cfg, m)
		if err != nil {
			dispatcher.Shutdown()
			return err
		}
		archiver = worker.NewArchiver(cfg, m, up)
		archiver.Start(ctx)
		archive = archiver
	}

	// ====================================================================
	// Background services (suture)
	// ====================================================================
	tree := supervisor.New(supervisor.Config{ShutdownTimeout: cfg.ShutdownTimeout})

	tree.AddWorker(supervisor.Func("liveness-sweeper", func(ctx context.Context) error {
		return tracker.Run(ctx, cfg.SweepInterval)
	}))
	if cfg.WGSyncInterval > 0 {
		tree.AddWorker(wg.NewSyncer(cfg.WGInterface, st, wg.ExecRunner{}, m, cfg.WGSyncInterval))
	}
	if cfg.HTTPAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := m.Register(reg); err != nil {
			dispatcher.Shutdown()
			return fmt.Errorf("register metrics: %w", err)
		}
		tree.AddAPI(server.New(cfg.HTTPAddr, server.NewRouter(m, reg), cfg.ShutdownTimeout))
	}

	treeCtx, cancelTree := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTree()
	treeDone := tree.ServeBackground(treeCtx)

	// ====================================================================
	// Ingest loop (foreground)
	// ====================================================================
	log.Info().
		Str("api_host", cfg.APIHost).
		Str("input", src.String()).
		Str("store", cfg.StoreBackend).
		Bool("archive", cfg.ArchiveEnabled()).
		Msg("mitm-monitor started")

	loop := ingest.NewLoop(src, os.Stdout, dispatcher, m, ingest.Options{
		EchoRequest: cfg.EchoRequest,
		Archive:     archive,
	})
	runErr := loop.Run(ctx)

	// ====================================================================
	// Graceful shutdown
	//  1) 읽기 중단 (위에서 반환)
	//  2) dispatch 큐 drain
	//  3) sweeper / wg sync 중단
	//  4) archive flush (남은 배치 업로드 또는 DLQ)
	//  5) HTTP 서버 중단
	// ====================================================================
	log.Info().Msg("draining dispatch queues")
	dispatcher.Shutdown()

	if err := tree.StopWorkers(); err != nil {
		log.Warn().Err(err).Msg("background workers did not stop cleanly")
	}

	if archiver != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		archiver.Shutdown(sctx)
		cancel()
	}

	cancelTree()
	<-treeDone

	log.Info().Int64("lines", m.LinesTotal).Int64("echoed", m.RecordsEchoedTotal).Msg("shutdown complete")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
