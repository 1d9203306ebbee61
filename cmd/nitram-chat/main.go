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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

const shutdownGrace = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nitram-chat: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log := newLogger(cfg)

	db := NewChatDB()
	bus, err := NewChatBus(cfg.NATSUrl, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus setup failed")
	}
	defer bus.Close()

	reg := prometheus.NewRegistry()
	engine, err := newEngine(cfg, log, db, bus, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("engine build failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", engine)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthHandler(engine, bus, log))
	mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().
		Str("addr", cfg.Addr).
		Str("static_dir", cfg.StaticDir).
		Str("nats", bus.Status()).
		Dur("ping_interval", cfg.PingInterval).
		Dur("timeout", cfg.Timeout).
		Msg("nitram-chat listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop accepting HTTP first, then drain the live websocket sessions.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := engine.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("engine shutdown")
	}
	log.Info().Msg("goodbye")
}
