// Command clashctl is the operator CLI for the campusclash ledger. It talks to
// the configured database directly, so settlement and sweeps can be run
// without the HTTP API.
//
// Usage:
//
//	clashctl [-config path] <command> [flags]
//
// Commands:
//
//	pools      list markets with their pool split
//	positions  list the positions of one market
//	market     create a market
//	settle     resolve a market and print the payout report
//	sweep      close every market whose deadline has passed
//	admin      register an administrator account
//	hash-key   print the bcrypt hash of an API key for server.api_key_hash
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/campusclash/internal/app"
	"github.com/alanyoungcy/campusclash/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "clashctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: clashctl [-config path] <pools|positions|market|settle|sweep|admin|hash-key> [flags]")

// command is one clashctl subcommand. It receives the wired services and its
// own arguments.
type command func(ctx context.Context, env *env, args []string) error

type env struct {
	svcs app.Services
	out  io.Writer
}

var commands = map[string]command{
	"pools":     cmdPools,
	"positions": cmdPositions,
	"market":    cmdMarket,
	"settle":    cmdSettle,
	"sweep":     cmdSweep,
	"admin":     cmdAdmin,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("clashctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to configuration file (optional)")
	verbose := global.Bool("v", false, "log at debug level")
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}
	name, cmdArgs := rest[0], rest[1:]

	// hash-key needs no database.
	if name == "hash-key" {
		return cmdHashKey(stdout, cmdArgs)
	}

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return cmd(ctx, &env{svcs: app.NewServices(cfg, deps, logger), out: stdout}, cmdArgs)
}
