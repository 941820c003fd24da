/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the streaming components together and runs the two
// network endpoints: the listener-facing HTTP server and the source harbor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/broadcast"
	"github.com/skaldradio/skald/internal/config"
	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/harbor"
	"github.com/skaldradio/skald/internal/logbuffer"
	"github.com/skaldradio/skald/internal/playlist"
	"github.com/skaldradio/skald/internal/producer"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

// ErrBind marks a port bind failure so main can map it to its own exit code.
var ErrBind = errors.New("port bind failed")

// playlistReadChunk is the file read size for the fallback producer.
const playlistReadChunk = 8192

// Server bundles the data plane and its HTTP surfaces.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	router chi.Router
	logs   *logbuffer.Buffer

	ring        *ring.Buffer
	counters    *stats.Counters
	bus         *events.Bus
	playlist    *playlist.Producer
	mux         *producer.Mux
	harbor      *harbor.Server
	broadcaster *broadcast.Broadcaster

	feed statusFeed

	httpServer *http.Server
	ln         net.Listener
}

// New constructs the server and wires dependencies. It does not bind any
// port; Run does, so bind failures surface there.
func New(cfg *config.Config, logger zerolog.Logger, logs *logbuffer.Buffer) (*Server, error) {
	rb, err := ring.New(cfg.BufferBytes())
	if err != nil {
		return nil, fmt.Errorf("create ring buffer: %w", err)
	}

	counters := stats.New()
	bus := events.NewBus()

	pl := playlist.New(
		cfg.Playlist.Directory,
		cfg.Playlist.Extensions,
		cfg.Playlist.Shuffle,
		playlistReadChunk,
		counters, bus, logger,
	)
	mux := producer.NewMux(rb, pl, counters, bus, logger)
	pl.SetMux(mux)

	hb := harbor.NewServer(harbor.Config{
		Bind:     cfg.Server.Host,
		Port:     cfg.Server.SourcePort,
		Mount:    cfg.Server.MountPoint,
		Password: cfg.Server.SourcePassword,
		Timeout:  cfg.SourceTimeout(),
	}, mux, counters, bus, logger)

	bc := broadcast.New(broadcast.Config{
		ChunkSize:    cfg.Broadcaster.ChunkSize,
		QueueChunks:  cfg.Broadcaster.QueueChunks,
		MaxListeners: cfg.Advanced.MaxListeners,
		SleepHigh:    cfg.SleepHigh(),
		SleepMedium:  cfg.SleepMedium(),
		SleepLow:     cfg.SleepLow(),
	}, rb, counters, bus, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		logs:        logs,
		ring:        rb,
		counters:    counters,
		bus:         bus,
		playlist:    pl,
		mux:         mux,
		harbor:      hb,
		broadcaster: bc,
	}
	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays 0: the mount handler streams indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Timeout everything except the mount, which streams forever.
	mount := s.cfg.Server.MountPoint
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == mount {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", promhttp.Handler())

	streamHandler := broadcast.NewHandler(s.broadcaster, s.cfg.Metadata, s.mux.NowPlaying, s.counters, s.logger)
	router.Get(mount, streamHandler.ServeHTTP)
	router.Head(mount, streamHandler.ServeHTTP)

	if s.cfg.Advanced.EnableStats {
		router.Get("/status", s.handleStatus)
		router.Get("/status/logs", s.handleLogs)
		router.Get("/", s.handleIndex)
	}

	return router
}

// Handler exposes the listener-port router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run binds both ports, starts the producers and the broadcaster, and serves
// until ctx is cancelled. Bind failures are wrapped with ErrBind.
func (s *Server) Run(ctx context.Context) error {
	if err := s.harbor.Listen(); err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	s.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe the status feed before any producer can publish.
	s.startStatusFeed(runCtx)
	s.mux.Start()

	errCh := make(chan error, 3)

	go func() {
		if err := s.playlist.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("playlist producer exited")
		}
	}()
	go func() {
		if err := s.broadcaster.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("broadcaster exited")
		}
	}()
	go func() {
		if err := s.harbor.Serve(runCtx); err != nil {
			errCh <- fmt.Errorf("harbor: %w", err)
		}
	}()
	go func() {
		s.logger.Info().Str("addr", addr).Str("mount", s.cfg.Server.MountPoint).Msg("listener server ready")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		s.shutdownHTTP()
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down")
		cancel()
		s.shutdownHTTP()
		return nil
	}
}

func (s *Server) shutdownHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete, closing")
		_ = s.httpServer.Close()
	}
}
