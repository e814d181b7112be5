// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/config"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/store"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts per collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, s *store.Store) error {
				stats, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(stats.Collections))
				for name := range stats.Collections {
					names = append(names, name)
				}
				sort.Strings(names)

				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "store\t%s\n", cfg.Store.Path)
				fmt.Fprintf(tw, "schema version\t%d\n", stats.Version)
				for _, name := range names {
					fmt.Fprintf(tw, "%s\t%d\n", name, stats.Collections[name])
				}
				_ = tw.Flush()
				return opts.output().Result(stats, strings.TrimRight(b.String(), "\n"))
			})
		},
	}
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the pending mutation queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, s *store.Store) error {
				records, err := mutation.NewQueue(s).List(ctx)
				if err != nil {
					return err
				}
				if records == nil {
					records = []mutation.Record{}
				}
				return opts.output().Result(records, formatRecords(records))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dead",
		Short: "List mutations that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, s *store.Store) error {
				letters, err := mutation.NewQueue(s).DeadLetters(ctx)
				if err != nil {
					return err
				}
				if letters == nil {
					letters = []mutation.DeadLetter{}
				}
				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMUTATION\tTABLE\tOP\tREASON")
				for _, dl := range letters {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", dl.ID, dl.Record.ID, dl.Record.Table, dl.Record.Op, dl.Reason)
				}
				_ = tw.Flush()
				return opts.output().Result(letters, strings.TrimRight(b.String(), "\n"))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <id>",
		Short: "Discard a pending mutation without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid mutation id %q", args[0]), err)
			}
			return opts.withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, s *store.Store) error {
				removed, err := mutation.NewQueue(s).Remove(ctx, id)
				if err != nil {
					return err
				}
				if !removed {
					return WrapExitError(ExitFailure, fmt.Sprintf("mutation %d not found", id), nil)
				}
				return opts.output().Result(map[string]uint64{"dropped": id}, fmt.Sprintf("dropped mutation %d", id))
			})
		},
	})
	return cmd
}

func formatRecords(records []mutation.Record) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tOP\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Table, r.Op, r.Timestamp.Format(time.RFC3339), r.Attempts, r.LastError)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

type tableInfo struct {
	Table     string    `json:"table"`
	Rows      int       `json:"rows"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newTablesCommand(opts *RootOptions) *cobra.Command {
	var clearSnapshots bool
	cmd := &cobra.Command{
		Use:   "tables [table...]",
		Short: "List cached table snapshots, or drop them with --clear",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, s *store.Store) error {
				tables := cache.NewTables(s, 0, 0)
				if clearSnapshots {
					if err := tables.Clear(ctx, args...); err != nil {
						return err
					}
					what := "all tables"
					if len(args) > 0 {
						what = strings.Join(args, ", ")
					}
					return opts.output().Result(map[string][]string{"cleared": args}, "cleared snapshots of "+what)
				}

				names := args
				if len(names) == 0 {
					var err error
					if names, err = tables.Names(ctx); err != nil {
						return err
					}
				}
				infos := make([]tableInfo, 0, len(names))
				for _, name := range names {
					snap, ok, err := tables.Get(ctx, name)
					if err != nil {
						return err
					}
					if ok {
						infos = append(infos, tableInfo{Table: name, Rows: len(snap.Rows), UpdatedAt: snap.UpdatedAt})
					}
				}

				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TABLE\tROWS\tUPDATED")
				for _, in := range infos {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", in.Table, in.Rows, in.UpdatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
				return opts.output().Result(infos, strings.TrimRight(b.String(), "\n"))
			})
		},
	}
	cmd.Flags().BoolVar(&clearSnapshots, "clear", false, "drop the snapshots instead of listing them")
	return cmd
}

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict old cached query results and orphaned attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, s *store.Store) error {
				age := cfg.Cache.MaxAge
				if maxAge > 0 {
					age = maxAge
				}
				removed, err := cache.NewQueries(s).Cleanup(ctx, age)
				if err != nil {
					return err
				}
				// The server is stopped, so no enqueue can be in flight.
				orphans, err := mutation.NewQueue(s).PruneOrphans(ctx, 0)
				if err != nil {
					return err
				}
				return opts.output().Result(map[string]int{"removed": removed, "orphaned_attachments": orphans},
					fmt.Sprintf("removed %d cached queries older than %s and %d orphaned attachments", removed, age, orphans))
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "override cache.max_age")
	return cmd
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Empty the local store, including queued writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return WrapExitError(ExitCommandError, "reset discards queued writes; pass --yes to confirm", nil)
			}
			return opts.withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, s *store.Store) error {
				pending, err := s.Count(ctx, store.Mutations)
				if err != nil {
					return err
				}
				if err := s.Reset(ctx); err != nil {
					return err
				}
				return opts.output().Result(map[string]int{"discarded_mutations": pending},
					fmt.Sprintf("local store reset, %d queued mutations discarded", pending))
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the mutation queue against the backend once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			client, err := remote.NewClient(cfg.Remote)
			if err != nil {
				return WrapExitError(ExitCommandError, "create backend client", err)
			}

			engCfg := cfg.EngineConfig()
			// The background runner stays idle; the pass below runs inline.
			engCfg.Connectivity.InitialOnline = false
			engCfg.Connectivity.Interval = 0

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			eng, err := engine.Open(ctx, engCfg, client)
			if err != nil {
				return WrapExitError(ExitCommandError, "open engine (is the server still running?)", err)
			}
			defer func() { _ = eng.Close() }()

			report, err := eng.SyncNow(ctx)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("processed %d, succeeded %d, failed %d, dead-lettered %d, remaining %d",
				report.Processed, len(report.Succeeded), len(report.Failed), len(report.DeadLettered), report.Remaining)
			if err := opts.output().Result(report, text); err != nil {
				return err
			}
			if len(report.Failed) > 0 || len(report.Blocked) > 0 {
				return WrapExitError(ExitFailure, fmt.Sprintf("%d mutations failed", len(report.Failed)+len(report.Blocked)), nil)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
