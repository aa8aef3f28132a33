package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/cloudreaper/cloudreaper/pkg/actions"
	"github.com/cloudreaper/cloudreaper/pkg/config"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		taskName string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run configured tasks to a terminal outcome",
		Long: `Run configured tasks, polling each provider operation until it
completes, fails, or times out.

With --watch, tasks carrying a cron schedule fire repeatedly until
interrupted; unscheduled tasks run once at startup.`,
		Example: `  # Run every task in the config once
  reaper run

  # Run a single task
  reaper run --task retire-staging-db

  # Keep firing scheduled tasks
  reaper run --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}

			logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
			if err != nil {
				return err
			}
			metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
			if err != nil {
				return err
			}
			tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Warn("tracer shutdown failed")
				}
			}()

			if cfg.Telemetry.Metrics.Enabled {
				go func() {
					if err := metrics.Serve(); err != nil {
						logger.WithError(err).Error("metrics endpoint failed")
					}
				}()
			}

			runner := engine.NewRunner(engine.NewMemoryRunStore(), logger, metrics, tracer)

			tasks, err := selectTasks(cfg, taskName)
			if err != nil {
				return err
			}
			if watch {
				return watchTasks(ctx, cfg, tasks, runner, logger, metrics, tracer)
			}

			for _, task := range tasks {
				if err := runTask(ctx, cfg, task, runner, logger, metrics, tracer); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskName, "task", "", "run only the named task")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep firing scheduled tasks until interrupted")

	return cmd
}

func selectTasks(cfg *config.Config, name string) ([]config.TaskConfig, error) {
	if name == "" {
		return cfg.Tasks, nil
	}
	for _, task := range cfg.Tasks {
		if task.Name == name {
			return []config.TaskConfig{task}, nil
		}
	}
	return nil, engine.NewConfigError(fmt.Sprintf("no task named %q in %s", name, configPath), nil)
}

func runTask(ctx context.Context, cfg *config.Config, task config.TaskConfig, runner *engine.Runner, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) error {
	log := logger.WithTask(task.Name)

	factory, err := actions.NewFactory(ctx, cfg.Deployment, task.Region, logger, metrics)
	if err != nil {
		return err
	}
	action, err := factory.Build(task)
	if err != nil {
		return err
	}

	if d := task.CompletionTimeout(); d > 0 {
		runner = engine.NewRunner(engine.NewMemoryRunStore(), logger, metrics, tracer, engine.WithTimeout(d))
	}

	run, err := runner.Start(ctx, action)
	if err != nil {
		return err
	}
	run, err = runner.Wait(ctx, action, run.ID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	log.WithRunID(run.ID).Infof("task finished: %s", run.State)
	if run.Result != nil {
		fmt.Printf("Task %s: %d processed, %d deleted, %d created\n",
			task.Name, run.Result.Processed, len(run.Result.Deleted), len(run.Result.Created))
		for _, note := range run.Result.Notes {
			fmt.Printf("  note: %s\n", note)
		}
	}
	return nil
}

// watchTasks schedules cron-bearing tasks and runs the rest once.
// Blocks until the context is cancelled.
func watchTasks(ctx context.Context, cfg *config.Config, tasks []config.TaskConfig, runner *engine.Runner, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) error {
	scheduler := cron.New()
	for _, task := range tasks {
		if task.Schedule == "" {
			if err := runTask(ctx, cfg, task, runner, logger, metrics, tracer); err != nil {
				logger.WithTask(task.Name).WithError(err).Error("task failed")
			}
			continue
		}
		task := task
		_, err := scheduler.AddFunc(task.Schedule, func() {
			if err := runTask(ctx, cfg, task, runner, logger, metrics, tracer); err != nil {
				logger.WithTask(task.Name).WithError(err).Error("scheduled task failed")
			}
		})
		if err != nil {
			return engine.NewConfigError(fmt.Sprintf("failed to schedule task %q", task.Name), err)
		}
		logger.WithTask(task.Name).WithField("schedule", task.Schedule).Info("task scheduled")
	}

	scheduler.Start()
	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return nil
}
