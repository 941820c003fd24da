/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skaldradio/skald/internal/config"
	"github.com/skaldradio/skald/internal/logbuffer"
	"github.com/skaldradio/skald/internal/logging"
	"github.com/skaldradio/skald/internal/server"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 port bind error.
const (
	exitConfig = 1
	exitBind   = 2
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "skald",
		Short:         "Skald is an Icecast-compatible streaming radio server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", config.DefaultPath(), "path to configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "skald: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	logs := logbuffer.New(1000)
	logger := logging.SetupWithWriter(cfg.Advanced.VerboseLogging, logs)
	logger.Info().
		Str("mount", cfg.Server.MountPoint).
		Int("listen_port", cfg.Server.ListenPort).
		Int("source_port", cfg.Server.SourcePort).
		Str("playlist_dir", cfg.Playlist.Directory).
		Msg("Skald starting")

	srv, err := server.New(cfg, logger, logs)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, server.ErrBind) {
			logger.Error().Err(err).Msg("failed to bind")
			return &exitError{code: exitBind, err: err}
		}
		logger.Error().Err(err).Msg("server error")
		return &exitError{code: exitConfig, err: err}
	}

	logger.Info().Msg("Skald stopped")
	return nil
}
