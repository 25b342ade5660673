// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Query-farm/wart-worker/config"
	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/session"
	"github.com/Query-farm/wart-worker/store"
	"github.com/Query-farm/wart-worker/wartrpc"
	wartotel "github.com/Query-farm/wart-worker/wartrpc/otel"
	"github.com/Query-farm/wart-worker/worker"
)

// daemon holds what serve builds from the configuration.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	sessions *session.Manager
	rpc      *wartrpc.Server
	closers  []func()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	// Listen before starting anything so a bad address fails fast.
	var unixLn, httpLn net.Listener
	if cfg.Server.Unix != "" {
		_ = os.Remove(cfg.Server.Unix)
		if unixLn, err = net.Listen("unix", cfg.Server.Unix); err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Server.Unix, err)
		}
		defer os.Remove(cfg.Server.Unix)
	}
	if cfg.Server.HTTP != "" {
		if httpLn, err = net.Listen("tcp", cfg.Server.HTTP); err != nil {
			if unixLn != nil {
				unixLn.Close()
			}
			return fmt.Errorf("listening on %s: %w", cfg.Server.HTTP, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.sessions.Run(ctx) })

	if cfg.Server.Stdio {
		g.Go(func() error {
			// Closing stdin unblocks the pending read on shutdown.
			stop := context.AfterFunc(ctx, func() { _ = os.Stdin.Close() })
			defer stop()
			d.rpc.RunStdio(ctx)
			// One client per process on stdio: stop when it hangs up.
			cancel()
			return nil
		})
	}

	if unixLn != nil {
		logger.Info("serving unix socket", "path", cfg.Server.Unix)
		g.Go(func() error { return d.rpc.ServeListener(ctx, unixLn) })
	}

	if httpLn != nil {
		srv := &http.Server{
			Handler:           d.httpHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		logger.Info("serving http", "addr", httpLn.Addr().String(), "prefix", cfg.Server.Prefix)
		g.Go(func() error {
			if err := srv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if serr := d.sessions.Shutdown(shutdownCtx); serr != nil {
		logger.Error("closing sessions", "err", serr)
	}
	logger.Info("stopped")
	return err
}

// build connects the backends and assembles the RPC server.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			logger.Error("flushing telemetry", "err", err)
		}
	})

	stores, err := d.openStore(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := d.openGraph(ctx)
	if err != nil {
		return nil, err
	}

	d.sessions = session.NewManager(session.Options{
		Loader:           &sandbox.Starlark{MaxSteps: cfg.Session.MaxSteps},
		Stores:           stores,
		Graph:            backend,
		IdleTimeout:      cfg.Session.IdleTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		DefaultExTimeout: cfg.Session.DefaultExTimeout,
		MaxSessions:      cfg.Session.MaxSessions,
		OpenRate:         rate.Limit(cfg.Session.OpenRate),
		OpenBurst:        cfg.Session.OpenBurst,
		Metrics:          session.NewMetrics(d.registry),
		Logger:           logger,
	})

	d.rpc = wartrpc.NewServer()
	d.rpc.SetServiceName(cfg.Server.ServiceName)
	d.rpc.SetDebugErrors(cfg.Server.DebugErrors)
	if host, err := os.Hostname(); err == nil {
		d.rpc.SetServerID(fmt.Sprintf("%s-%d", host, os.Getpid()))
	}
	worker.New(d.sessions, logger).Register(d.rpc)

	if tel.enabled {
		otelCfg := wartotel.DefaultConfig()
		otelCfg.EnableTracing = cfg.Telemetry.Tracing
		otelCfg.EnableMetrics = cfg.Telemetry.Metrics
		otelCfg.TracerProvider = tel.tracerProvider
		otelCfg.MeterProvider = tel.meterProvider
		if err := wartotel.InstrumentServer(d.rpc, otelCfg); err != nil {
			return nil, fmt.Errorf("instrumenting server: %w", err)
		}
	}
	return d, nil
}

func (d *daemon) openStore(ctx context.Context) (store.Factory, error) {
	switch d.cfg.Store.Backend {
	case "redis":
		client, err := store.DialRedis(ctx, d.cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = client.Close() })
		d.logger.Info("using redis store")
		return store.RedisFactory(client), nil
	default:
		return store.MemoryFactory, nil
	}
}

func (d *daemon) openGraph(ctx context.Context) (graph.Backend, error) {
	switch d.cfg.Graph.Backend {
	case "postgres":
		pg, err := graph.OpenPostgres(ctx, d.cfg.Graph.PostgresDSN, d.cfg.Graph.MaxConns)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pg.Close)
		d.logger.Info("using postgres graph backend")
		return pg, nil
	case "memory":
		return graph.NewMemory(), nil
	default:
		return nil, nil
	}
}

// httpHandler routes the RPC endpoints, /metrics and /healthz, with CORS
// applied to all of them.
func (d *daemon) httpHandler() http.Handler {
	opts := []wartrpc.HttpServerOption{wartrpc.WithPrefix(d.cfg.Server.Prefix)}
	var rpcHTTP *wartrpc.HttpServer
	if key := d.cfg.Server.SigningKey; key != "" {
		rpcHTTP = wartrpc.NewHttpServerWithKey(d.rpc, []byte(key), opts...)
	} else {
		rpcHTTP = wartrpc.NewHttpServer(d.rpc, opts...)
	}
	rpcHTTP.SetTokenTTL(d.cfg.Server.TokenTTL)
	rpcHTTP.SetCompressionLevel(d.cfg.Server.CompressionLevel)
	rpcHTTP.SetMaxRequestBytes(d.cfg.Server.MaxRequestBytes)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", d.health).Methods(http.MethodGet)
	router.PathPrefix(rpcHTTP.Prefix()).Handler(rpcHTTP)

	c := cors.New(cors.Options{
		AllowedOrigins: d.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Content-Encoding", "Accept-Encoding"},
		ExposedHeaders: []string{"Content-Encoding"},
	})
	return c.Handler(router)
}

func (d *daemon) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, d.sessions.Len())
}
