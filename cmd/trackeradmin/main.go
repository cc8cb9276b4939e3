package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hallowgate/atwatch/internal/config"
	"github.com/hallowgate/atwatch/internal/resolver"
	"github.com/hallowgate/atwatch/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return usageError()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	switch cmd {
	case "add-user":
		return runAddUser(ctx, st, cfg, logger, args)
	case "remove-user":
		return runRemoveUser(ctx, st, args)
	case "ignore":
		return runIgnore(ctx, st, args)
	case "unignore":
		return runUnignore(ctx, st, args)
	case "backfill-status":
		return runBackfillStatus(ctx, st, args)
	default:
		return usageError()
	}
}

func usageError() error {
	return fmt.Errorf(`usage: trackeradmin <command> [flags]

commands:
  add-user --did <did> [--handle <handle>]
  remove-user --did <did>
  ignore --did <did>
  unignore --did <did>
  backfill-status --did <did>`)
}

func runAddUser(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	did := fs.String("did", "", "DID of the user to monitor")
	handle := fs.String("handle", "", "handle, resolved automatically if omitted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("--did is required")
	}

	resolvedHandle := *handle
	if resolvedHandle == "" {
		res, err := resolver.New(cfg.PLCDirectoryHost, cfg.ResolverCacheSize, cfg.ResolverTimeout, logger)
		if err != nil {
			return fmt.Errorf("create resolver: %w", err)
		}
		if h, ok := res.Resolve(ctx, *did); ok {
			resolvedHandle = h
		}
	}

	if err := st.AddMonitoringUser(ctx, *did, resolvedHandle); err != nil {
		return fmt.Errorf("add monitoring user: %w", err)
	}
	fmt.Printf("monitoring %s (%s)\n", *did, resolvedHandle)
	return nil
}

func runRemoveUser(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("remove-user", flag.ExitOnError)
	did := fs.String("did", "", "DID of the user to stop monitoring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("--did is required")
	}
	if err := st.RemoveMonitoringUser(ctx, *did); err != nil {
		return fmt.Errorf("remove monitoring user: %w", err)
	}
	fmt.Printf("stopped monitoring %s\n", *did)
	return nil
}

func runIgnore(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("ignore", flag.ExitOnError)
	did := fs.String("did", "", "DID to ignore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("--did is required")
	}
	if err := st.AddIgnored(ctx, *did); err != nil {
		return fmt.Errorf("add ignored: %w", err)
	}
	fmt.Printf("ignoring %s (existing changes purged)\n", *did)
	return nil
}

func runUnignore(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("unignore", flag.ExitOnError)
	did := fs.String("did", "", "DID to stop ignoring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("--did is required")
	}
	if err := st.RemoveIgnored(ctx, *did); err != nil {
		return fmt.Errorf("remove ignored: %w", err)
	}
	fmt.Printf("no longer ignoring %s\n", *did)
	return nil
}

func runBackfillStatus(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("backfill-status", flag.ExitOnError)
	did := fs.String("did", "", "monitoring user DID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("--did is required")
	}

	bs, found, err := st.GetBackfillState(ctx, *did)
	if err != nil {
		return fmt.Errorf("get backfill state: %w", err)
	}
	if !found {
		fmt.Printf("%s: no backfill state recorded\n", *did)
		return nil
	}

	fmt.Printf("%s:\n  last_started_at:   %v\n  last_completed_at: %v\n  in_flight:         %v\n",
		*did, bs.LastStartedAt, bs.LastCompletedAt, bs.InFlight())
	return nil
}
