package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/obs-taso/internal/config"
	"github.com/gaspardpetit/obs-taso/internal/devserver"
	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/metrics"
	"github.com/gaspardpetit/obs-taso/internal/slotstore"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	config.LoadDotEnv()
	showVersion := flag.Bool("version", false, "print version and exit")

	// Resolve config with precedence: defaults < file < env < args
	var cfg config.DevServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p, ok := config.ConfigFileFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "obs-devserver version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("obs-devserver version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetBuildInfo("devserver", version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store slotstore.Store = slotstore.NewMemory()
	if cfg.RedisAddr != "" {
		rs, err := slotstore.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis slot store")
	}

	if cfg.RequireAuth && cfg.Password == "" {
		logx.Log.Warn().Msg("--require-auth without --password: only the empty password is accepted")
	}

	opts := devserver.Options{
		Password:       cfg.Password,
		RequireAuth:    cfg.RequireAuth,
		DisableAuth:    cfg.DisableAuth,
		Store:          store,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr == cfg.ListenAddr() {
		opts.Gatherer = preg
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	srv := devserver.New(opts)
	httpSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	httpSrv.RegisterOnShutdown(srv.Close)

	errc := make(chan error, 2)
	go func() {
		logx.Log.Info().Str("addr", httpSrv.Addr).Bool("auth", !cfg.DisableAuth).Bool("require_auth", cfg.RequireAuth).
			Str("version", version).Msg("dev server listening")
		errc <- httpSrv.ListenAndServe()
	}()
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", metricsSrv.Addr).Msg("metrics listening")
			errc <- metricsSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logx.Log.Info().Msg("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Msg("server error")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
