package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scanorc/scanorc/internal/bus"
)

var workerQueue string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a task bus worker pool for one queue",
	Long: `worker starts the named queue's worker pool and blocks, consuming
jobs until the process receives SIGINT or SIGTERM. Run one worker process
per queue (state, scan, plugin, plugin-heavy, plugin-light) per the
configured pool sizes, or run the same queue across many processes/hosts
to scale it horizontally.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerQueue, "queue", bus.QueueState,
		"queue to serve: state|scan|plugin|plugin-heavy|plugin-light")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	n, err := workerCount(a, workerQueue)
	if err != nil {
		return err
	}

	a.bus.StartWorkers(ctx, workerQueue, n)
	if workerQueue == bus.QueueScan {
		sched := a.newScheduler()
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	slog.Info("worker started", "queue", workerQueue, "workers", n)
	<-ctx.Done()
	slog.Info("worker shutting down", "queue", workerQueue)
	return nil
}

func workerCount(a *app, queue string) (int, error) {
	switch queue {
	case bus.QueueState:
		return a.cfg.Orchestrator.StateWorkers, nil
	case bus.QueueScan:
		return a.cfg.Orchestrator.ScanWorkers, nil
	case bus.QueuePluginHeavy:
		return a.cfg.Orchestrator.HeavyWorkers, nil
	case bus.QueuePluginLight:
		return a.cfg.Orchestrator.LightWorkers, nil
	case bus.QueuePlugin:
		return a.cfg.Orchestrator.HeavyWorkers + a.cfg.Orchestrator.LightWorkers, nil
	default:
		return 0, fmt.Errorf("unknown queue %q", queue)
	}
}
