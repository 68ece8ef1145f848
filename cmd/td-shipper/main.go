package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/config"
	"github.com/szibis/td-shipper/internal/health"
	"github.com/szibis/td-shipper/internal/logging"
	"github.com/szibis/td-shipper/internal/receiver"
	"github.com/szibis/td-shipper/internal/sender"
	"github.com/szibis/td-shipper/internal/shipper"
	"github.com/szibis/td-shipper/internal/tdclient"
	"github.com/szibis/td-shipper/internal/telemetry"
)

// stopTimeout bounds receiver and stats server shutdown. The final flush
// itself is bounded only by the API client timeouts.
const stopTimeout = 30 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.PrintUsage(os.Stderr)
		os.Exit(2)
	}
	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	if cfg.ValidateOnly {
		result := config.Check(cfg)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		logging.Fatal("invalid log level", logging.F("error", err.Error()))
	}
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    telemetry.ServiceName,
		"service.version": config.Version(),
	})

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Destination{
		Version:  config.Version(),
		Database: cfg.Database,
		Table:    cfg.Table,
	})
	if err != nil {
		logging.Error("failed to start telemetry", logging.F("error", err.Error()))
		return 1
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		defer func() {
			logging.SetHook(nil)
			sctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logging.Warn("telemetry shutdown failed", logging.F("error", err.Error()))
			}
		}()
	}

	apiKey, err := cfg.ResolveAPIKey()
	if err != nil {
		logging.Error("failed to read API key", logging.F("error", err.Error()))
		return 1
	}
	client, err := tdclient.New(cfg.TDClientConfig(apiKey))
	if err != nil {
		logging.Error("failed to create API client", logging.F("error", err.Error()))
		return 1
	}
	defer client.Close()

	checker := health.New(0)
	runCtx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	shipCfg, err := cfg.ShipperConfig()
	if err != nil {
		logging.Error("invalid output configuration", logging.F("error", err.Error()))
		return 1
	}
	shipCfg.OnFlushError = func(fe *buffer.FlushError) {
		logging.Error("flush failed", logging.F(
			"component", "shipper",
			"token", fe.Token,
			"rows", fe.Rows,
			"final", fe.Final,
			"fatal", sender.IsFatal(fe),
			"error", fe.Err.Error(),
		))
		if sender.IsFatal(fe) {
			checker.SetFatal(fe)
			fail(fe)
		}
	}
	shipCfg.OnFullBuffer = func(ev buffer.FullBufferEvent) {
		logging.Warn("buffer full", logging.F(
			"component", "shipper",
			"pending", ev.Pending,
			"outgoing", ev.Outgoing,
			"policy", string(shipCfg.FullBufferPolicy),
		))
	}

	out, err := shipper.New(shipCfg, client)
	if err != nil {
		logging.Error("failed to create output", logging.F("error", err.Error()))
		return 1
	}
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		out.Start(context.Background())
	}()

	g, gctx := errgroup.WithContext(runCtx)

	var httpRecv *receiver.HTTPReceiver
	if cfg.HTTPListenAddr != "" {
		httpRecv, err = receiver.NewHTTP(cfg.HTTPReceiverConfig(), out)
		if err != nil {
			logging.Error("failed to create HTTP receiver", logging.F("error", err.Error()))
			return 1
		}
		checker.RegisterReadiness("http_receiver", func(context.Context) error {
			return httpRecv.HealthCheck()
		})
		g.Go(func() error {
			if err := httpRecv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http receiver: %w", err)
			}
			return nil
		})
	}

	if cfg.RedisURL != "" {
		src, err := receiver.NewRedis(cfg.RedisConfig(), out)
		if err != nil {
			logging.Error("failed to create redis source", logging.F("error", err.Error()))
			return 1
		}
		defer src.Close()
		checker.RegisterReadiness("redis", src.Ping)
		g.Go(func() error { return src.Run(gctx) })
	}

	if cfg.APIKeyFile != "" {
		g.Go(func() error {
			return config.WatchAPIKeyFile(gctx, cfg.APIKeyFile, client.SetAPIKey)
		})
	}

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	checker.Register(statsMux)
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "paths", "/metrics,/live,/ready"))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()

	logging.Info("td-shipper started", logging.F(
		"database", cfg.Database,
		"table", cfg.Table,
		"endpoint", cfg.Endpoint,
		"flush_size", cfg.FlushSize,
		"flush_interval", cfg.FlushInterval.String(),
		"auto_create_table", cfg.AutoCreateTable,
		"http_addr", cfg.HTTPListenAddr,
		"redis", cfg.RedisURL != "",
		"stats_addr", cfg.StatsAddr,
	))

	<-gctx.Done()
	logging.Info("shutting down", logging.F("cause", context.Cause(gctx).Error()))
	checker.SetShuttingDown()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if httpRecv != nil {
		if err := httpRecv.Stop(stopCtx); err != nil {
			logging.Warn("HTTP receiver shutdown failed", logging.F("error", err.Error()))
		}
	}

	code := 0
	if err := g.Wait(); err != nil {
		logging.Error("component failed", logging.F("error", err.Error()))
		code = 1
	}

	// Pending rows are flushed here; a fatal error has already stopped intake.
	if err := out.Close(context.Background()); err != nil {
		logging.Error("final flush failed", logging.F("error", err.Error()))
		code = 1
	}
	<-flushDone

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		code = 1
	}

	if err := statsServer.Shutdown(stopCtx); err != nil {
		logging.Warn("stats server shutdown failed", logging.F("error", err.Error()))
	}

	pending, outgoing := out.Stats()
	logging.Info("shutdown complete", logging.F("pending", pending, "outgoing", outgoing))
	return code
}
