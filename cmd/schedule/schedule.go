// Package schedule implements the schedule command, which runs incremental
// crawls on a cron expression until interrupted.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcommon "github.com/mingzhi-chen/gospider/cmd/common"
)

// ErrMissingCron means no cron expression was configured.
var ErrMissingCron = errors.New("schedule: a cron expression is required (schedule.cron or --cron)")

// Command returns the schedule command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run incremental crawls on a cron schedule",
		Long: `Run the configured crawl repeatedly on a cron schedule. Every
run is incremental: URLs visited by earlier runs are skipped, so each
tick only collects what the site published since the last one. A tick
is skipped when the previous run is still going.`,
		RunE: run,
	}

	cmd.Flags().String("cron", "", `cron expression, e.g. "0 */6 * * *" (overrides schedule.cron)`)
	_ = viper.BindPFlag("schedule.cron", cmd.Flags().Lookup("cron"))

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	deps, err := cmdcommon.Build()
	if err != nil {
		return err
	}

	if deps.Config.Schedule.Cron == "" {
		return ErrMissingCron
	}

	// Scheduled runs are always incremental, whatever the config says.
	deps.Config.Incremental = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), deps.Config.RequestTimeout)
		defer cancel()
		deps.Close(closeCtx)
	}()

	if deps.Pool != nil {
		deps.Pool.Start()
	}

	var running sync.Mutex

	c := cron.New()
	_, err = c.AddFunc(deps.Config.Schedule.Cron, func() {
		if !running.TryLock() {
			deps.Logger.Warn("previous crawl still running, skipping tick")
			return
		}
		defer running.Unlock()

		runOnce(ctx, deps)
	})
	if err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", deps.Config.Schedule.Cron, err)
	}

	deps.Logger.Info("scheduler started", "cron", deps.Config.Schedule.Cron)
	c.Start()

	<-ctx.Done()

	deps.Logger.Info("scheduler stopping, waiting for the current run")
	<-c.Stop().Done()

	// Wait out a run started just before the stop.
	running.Lock()
	running.Unlock()

	return nil
}

// runOnce executes one incremental crawl. Scheduler ticks never abort the
// process; a failed run is logged and the next tick tries again.
func runOnce(ctx context.Context, deps *cmdcommon.Deps) {
	eng, err := deps.NewEngine()
	if err != nil {
		deps.Logger.Error("building crawl engine failed", "error", err.Error())
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			eng.Stop()
		case <-done:
		}
	}()

	articles, err := eng.Run(ctx)
	if err != nil {
		deps.Logger.Error("scheduled crawl failed", "error", err.Error())
		return
	}

	deps.Logger.Info("scheduled crawl finished",
		"run_id", eng.RunID(),
		"articles", len(articles),
	)
}
