package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendrilbot/tendril/internal/engine"
	"github.com/tendrilbot/tendril/internal/history"
	"github.com/tendrilbot/tendril/internal/ledger"
	"github.com/tendrilbot/tendril/internal/setup"
	"github.com/tendrilbot/tendril/internal/setup/config"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	cmd := &cli.Command{
		Name:  "tendril",
		Usage: "Account growth management daemon",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the scheduler loop",
				Action: runScheduler,
			},
			{
				Name:  "ledger",
				Usage: "Inspect the relationship state files",
				Commands: []*cli.Command{
					{
						Name:   "verify",
						Usage:  "Check cross-file invariants of the state directory",
						Action: verifyLedger,
					},
				},
			},
			{
				Name:  "history",
				Usage: "Inspect the recorded action history",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "hours",
						Usage: "Window for the per-action counts",
						Value: 24,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of recent rows to print",
						Value: 20,
					},
				},
				Action: showHistory,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

// runScheduler wires the engine and runs cycles until interrupted.
func runScheduler(ctx context.Context, _ *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setup.InitializeApp(ctx)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	eng := engine.New(
		app.Ledger,
		app.Cache,
		app.Platform,
		app.History,
		&app.Config.Engine,
		app.Logger,
	)

	guard := engine.NewSpamGuard(
		app.Platform,
		time.Duration(app.Config.Scheduler.FeedbackCooldownMinutes)*time.Minute,
		app.Logger,
	)

	scheduler := engine.NewScheduler(eng, guard, app.Cache, &app.Config.Scheduler, app.Logger)
	scheduler.Run(ctx)

	return nil
}

// verifyLedger checks the state files without touching Redis or the platform.
func verifyLedger(_ context.Context, _ *cli.Command) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	l, err := ledger.New(cfg.Paths.StateDir, logger)
	if err != nil {
		return err
	}

	if err := l.Verify(); err != nil {
		return err
	}

	fmt.Println("ledger ok")

	return nil
}

// showHistory prints per-action counts and the most recent rows.
func showHistory(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	recorder, err := history.Open(cfg.Paths.HistoryDB, zap.NewNop())
	if err != nil {
		return err
	}
	defer recorder.Close() //nolint:errcheck

	since := time.Now().Add(-time.Duration(cmd.Int("hours")) * time.Hour)

	counts, err := recorder.Counts(since)
	if err != nil {
		return err
	}

	fmt.Printf("Actions since %s:\n", since.Format(time.RFC3339))
	for action, count := range counts {
		fmt.Printf("  %-24s %d\n", action, count)
	}

	rows, err := recorder.Recent(int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	fmt.Println("\nRecent:")
	for _, row := range rows {
		status := "ok"
		if !row.OK {
			status = "err: " + row.Error
		}

		fmt.Printf("  %s  %-24s %-16s %s\n",
			row.CreatedAt.Format(time.RFC3339), row.Action, row.UserID, status)
	}

	return nil
}
