// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package cli implements offlinectl, the maintenance tool for the local
// store of an offlinesync server. It opens the store directly, so the
// server must be stopped first: BadgerDB holds an exclusive directory lock.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tomtom215/offlinesync/internal/config"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/store"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags.
type RootOptions struct {
	Format    string
	StorePath string
	Backend   string
	Verbose   bool

	out io.Writer
}

// NewRootCommand builds the offlinectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offlinectl",
		Short: "Inspect and maintain an offlinesync local store",
		Long: `offlinectl reads and repairs the local store of an offlinesync server:
the pending mutation queue, dead letters, cached tables and queries.

It uses the server configuration (config.yaml, CONFIG_PATH and the
OFFLINESYNC_* environment). Stop the server before running it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			opts.out = cmd.OutOrStdout()
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			logging.Init(logging.Config{Level: level, Format: "console", Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "local store directory (overrides store.path)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "backend base URL (overrides remote.base_url)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newTablesCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		format := "text"
		if f := cmd.PersistentFlags().Lookup("format"); f != nil && isValidFormat(f.Value.String()) {
			format = f.Value.String()
		}
		out := &Output{Format: format, Writer: stderr}
		_ = out.Failure(err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) output() *Output {
	return &Output{Format: o.Format, Writer: o.out}
}

// loadConfig reads the server configuration with the flag overrides.
func (o *RootOptions) loadConfig(offline bool) (*config.Config, error) {
	loadOpts := []config.LoadOption{config.WithOverrides(map[string]interface{}{
		"store.path":      o.StorePath,
		"remote.base_url": o.Backend,
	})}
	if offline {
		loadOpts = append(loadOpts, config.Offline())
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	return cfg, nil
}

// withStore opens the local store for the duration of fn.
func (o *RootOptions) withStore(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, s *store.Store) error) error {
	cfg, err := o.loadConfig(true)
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "open local store (is the server still running?)", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("Failed to close local store")
		}
	}()
	return fn(ctx, cfg, s)
}
