// Command triaged is the triage-core daemon. It loads a YAML configuration
// file, constructs the Fuzzer context (virgin bitmaps, durable queue,
// valuation runner, audit log), dials the dashboard over mTLS gRPC with a
// local durable event queue standing in when the link is down, exposes a
// /healthz liveness endpoint and Prometheus-style metrics, and shuts down
// gracefully on SIGTERM or SIGINT.
//
// It also listens on a Unix socket for the forkserver submit bridge
// (internal/forkserver.Bridge): an external forkserver process reports each
// completed execution there, which calls triage.SaveIfInteresting and
// forwards kept results onto the reporter's event channel. An external
// forkserver binary and the path-scheduling collaborator that tracks
// per-cluster fringes remain outside this repo (see SPEC_FULL.md); this
// daemon owns the bridge they call into, plus an optional re-run client
// dialed out to them for hang_tmout confirmation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pacfix/triagecore/internal/audit"
	"github.com/pacfix/triagecore/internal/config"
	"github.com/pacfix/triagecore/internal/forkserver"
	"github.com/pacfix/triagecore/internal/fuzzer"
	"github.com/pacfix/triagecore/internal/queue"
	"github.com/pacfix/triagecore/internal/reporter"
	"github.com/pacfix/triagecore/internal/transport"
	"github.com/pacfix/triagecore/internal/triage"
	"github.com/pacfix/triagecore/internal/valuation"
	triageevent "github.com/pacfix/triagecore/proto"
)

// eventChanCap bounds the in-process channel between the (external)
// pipeline caller and the reporter goroutine.
const eventChanCap = 256

func main() {
	configPath := flag.String("config", "/etc/triaged/config.yaml", "path to the triage core YAML configuration file")
	eventQueuePath := flag.String("event-queue-path", "/var/lib/triaged/events.db", "path to the local SQLite durable event queue database")
	flag.Parse()

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "triaged: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(string(cfg.Logging.Level))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("map_size", cfg.MapSize),
		slog.String("out_dir", cfg.OutDir),
		slog.Bool("directed", cfg.Directed),
		slog.String("dashboard_endpoint", cfg.Dashboard.Endpoint),
	)

	// Open the local durable testcase queue (distinct from the event-delivery
	// queue below: this one records every kept queue entry's metadata and
	// n_fuzz counters, spec §3/§4.E step 4).
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		logger.Error("failed to open testcase queue", slog.String("path", cfg.Queue.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()

	if cfg.Valuation.Executable != "" {
		os.Setenv("PACFIX_VAL_EXE", cfg.Valuation.Executable)
		os.Setenv("PACFIX_COV_DIR", cfg.Valuation.CovDir)
	}
	valRunner := valuation.New()
	logger.Info("valuation side channel configured", slog.Bool("enabled", valRunner.Enabled()))

	auditLogger, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.Audit.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()

	sched := fuzzer.NewPrimaryScheduler(nil)
	fz := fuzzer.New(
		cfg.MapSize,
		cfg.OutDir,
		q,
		valRunner,
		sched,
		logger,
		fuzzer.WithKeepUnique(cfg.Queue.KeepUniqueHang, cfg.Queue.KeepUniqueCrash),
		fuzzer.WithKeepTimeouts(cfg.Queue.KeepTimeouts),
		fuzzer.WithNoCrashReadme(cfg.Queue.NoCrashReadme),
	)
	// The scheduler wraps the Fuzzer's own primary virgin map; it could not
	// be constructed before fz existed, so it is patched in here rather than
	// threading VirginBits through New's option list.
	sched = fuzzer.NewPrimaryScheduler(fz.VirginBits)
	fz.Scheduler = sched

	eventQueue, err := queue.OpenEventQueue(*eventQueuePath)
	if err != nil {
		logger.Error("failed to open event queue", slog.String("path", *eventQueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("event queue opened", slog.String("path", *eventQueuePath), slog.Int("pending", eventQueue.Depth()))

	grpcTransport := transport.New(
		transport.ClientConfig{
			Addr:        cfg.Dashboard.Endpoint,
			CertPath:    cfg.Dashboard.TLS.ClientCert,
			KeyPath:     cfg.Dashboard.TLS.ClientKey,
			CAPath:      cfg.Dashboard.TLS.CACert,
			Hostname:    "",
			OutDir:      cfg.OutDir,
			MapSize:     cfg.MapSize,
			CoreVersion: "",
			MaxBackoff:  cfg.Dashboard.ReconnectMaxDelay,
		},
		eventQueue,
		logger,
	)

	metrics := transport.NewMetrics()
	grpcTransport.WithMetrics(metrics)

	events := make(chan triageevent.TriageEvent, eventChanCap)
	rep := reporter.New(events, logger,
		reporter.WithQueue(eventQueue),
		reporter.WithTransport(grpcTransport),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rep.Start(ctx); err != nil {
		logger.Error("failed to start reporter", slog.Any("error", err))
		os.Exit(1)
	}

	// The hang_tmout re-run client is optional: an empty ReRunDialSocket
	// leaves target nil, and saveTimeout falls back to saving any novel
	// timeout directly (see internal/triage/pipeline.go).
	var target triage.Target
	if cfg.Forkserver.ReRunDialSocket != "" {
		reRunConn, err := grpc.NewClient(
			"unix:"+cfg.Forkserver.ReRunDialSocket,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			logger.Error("failed to dial forkserver re-run socket",
				slog.String("path", cfg.Forkserver.ReRunDialSocket), slog.Any("error", err))
			os.Exit(1)
		}
		defer reRunConn.Close()
		target = forkserver.NewGRPCTarget(triageevent.NewTargetReRunServiceClient(reRunConn))
		logger.Info("forkserver re-run client configured", slog.String("path", cfg.Forkserver.ReRunDialSocket))
	}

	bridge := forkserver.New(fz, target, nil, nil, nil, auditLogger, logger, events)

	os.Remove(cfg.Forkserver.SubmitListenSocket) // clear a stale socket from a prior crashed run
	submitLis, err := net.Listen("unix", cfg.Forkserver.SubmitListenSocket)
	if err != nil {
		logger.Error("failed to listen on forkserver submit socket",
			slog.String("path", cfg.Forkserver.SubmitListenSocket), slog.Any("error", err))
		os.Exit(1)
	}
	submitServer := grpc.NewServer()
	triageevent.RegisterTriageSubmitServiceServer(submitServer, bridge)
	go func() {
		logger.Info("forkserver submit bridge listening", slog.String("path", cfg.Forkserver.SubmitListenSocket))
		if err := submitServer.Serve(submitLis); err != nil {
			logger.Error("forkserver submit bridge stopped", slog.Any("error", err))
		}
	}()

	var healthServer *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", rep.HealthzHandler)
		mux.Handle("/metrics", metrics.Handler())

		healthServer = &http.Server{
			Addr:         cfg.Health.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("healthz server listening", slog.String("addr", cfg.Health.Address))
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("healthz server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	submitServer.GracefulStop()
	rep.Stop()

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("healthz server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("triaged exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
