// sweeper purges stale files from the gateway's working directories. It
// deletes regular files older than --max-age under every --dir and then
// removes directories left empty. With --interval 0 it runs once and exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"torrentgate/internal/usecase"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	dryRun   bool
	jsonLogs bool
}

func parseFlags(args []string) (options, bool, error) {
	var opts options
	flagSet := pflag.NewFlagSet("sweeper", pflag.ContinueOnError)
	flagSet.StringSliceVar(&opts.dirs, "dir", []string{"data", "uploads", "temp"}, "directory to sweep (repeatable)")
	flagSet.DurationVar(&opts.maxAge, "max-age", 24*time.Hour, "delete files last modified longer ago than this")
	flagSet.DurationVar(&opts.interval, "interval", 6*time.Hour, "time between sweeps; 0 runs once")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "report what would be deleted without deleting")
	flagSet.BoolVar(&opts.jsonLogs, "json", false, "emit JSON log records")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return opts, true, nil
		}
		return opts, false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return opts, true, nil
	}
	if opts.maxAge <= 0 {
		return opts, false, fmt.Errorf("--max-age must be positive, got %s", opts.maxAge)
	}
	if opts.interval < 0 {
		return opts, false, fmt.Errorf("--interval must not be negative, got %s", opts.interval)
	}
	if len(opts.dirs) == 0 {
		return opts, false, fmt.Errorf("at least one --dir is required")
	}
	return opts, false, nil
}

func run(args []string) error {
	opts, exit, err := parseFlags(args)
	if err != nil || exit {
		return err
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, nil)
	if opts.jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweep := usecase.Sweep{
		Dirs:   opts.dirs,
		MaxAge: opts.maxAge,
		DryRun: opts.dryRun,
		Logger: logger,
	}
	logger.Info("sweeper started",
		slog.Any("dirs", opts.dirs),
		slog.Duration("maxAge", opts.maxAge),
		slog.Duration("interval", opts.interval),
		slog.Bool("dryRun", opts.dryRun),
	)
	return sweep.Run(ctx, opts.interval)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: sweeper [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Deletes files older than --max-age from the gateway's working directories.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flagSet.PrintDefaults()
}
