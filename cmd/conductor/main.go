package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/noodlesploder/conductor/internal/config"
	"github.com/noodlesploder/conductor/pkg/conductor"
	"github.com/noodlesploder/conductor/pkg/logging"
	"github.com/noodlesploder/conductor/pkg/observability"
	"github.com/noodlesploder/conductor/pkg/types"
)

var (
	cfgFile        string
	flagWorkers    int
	flagSelfTuning bool
	flagDreamSecs  int
	version        = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "conductor",
		Short:   "Autonomous task orchestration and self-optimization daemon",
		Version: version,
		Long: `Conductor schedules heterogeneous work across a pool of workers,
balances load by work stealing, watches its own latency, and spends idle
time tuning its scheduling parameters against measured performance.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().IntVarP(&flagWorkers, "workers", "w", 0, "number of worker threads (0 = hardware threads)")
	rootCmd.PersistentFlags().BoolVar(&flagSelfTuning, "enable-self-tuning", false, "enable the self-tuning engine")

	rootCmd.AddCommand(startCmd(), submitCmd(), statsCmd(), violationsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if flagWorkers > 0 {
		cfg.WorkerThreads = flagWorkers
	}
	if flagSelfTuning {
		cfg.EnableSelfTuning = true
	}
	if flagDreamSecs > 0 {
		cfg.DreamThresholdSecs = flagDreamSecs
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the conductor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

			cond := conductor.New(cfg)
			if err := cond.Start(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if cfg.MetricsListen != "" {
				exporter := observability.NewExporter(cond)
				go func() {
					if err := exporter.Serve(ctx, cfg.MetricsListen); err != nil {
						log.Error().Err(err).Msg("Metrics listener failed")
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace()+2*time.Second)
			defer shutdownCancel()
			return cond.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&flagDreamSecs, "dream-threshold", "d", 0, "idle seconds before self-optimization")
	return cmd
}

func submitCmd() *cobra.Command {
	var priorityName string
	var durationMs int

	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a compute task to an in-process conductor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Setup(logging.Options{Level: "warn", Format: cfg.Logging.Format})

			priority, err := types.ParsePriority(priorityName)
			if err != nil {
				return err
			}

			cond := conductor.New(cfg)
			if err := cond.Start(); err != nil {
				return err
			}
			defer shutdownQuietly(cond, cfg)

			estimated := time.Duration(durationMs) * time.Millisecond
			task := types.NewTask(priority, types.ComputePayload{
				TaskName:          args[0],
				EstimatedDuration: estimated,
			}).WithExecute(func(ctx context.Context) error {
				select {
				case <-time.After(estimated):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})

			id, err := cond.Submit(task)
			if err != nil {
				return err
			}
			waitForCompletion(cond, 1)
			color.Green("Task submitted: %s (id %s)", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&priorityName, "priority", "p", "normal", "priority (critical, high, normal, low, dream)")
	cmd.Flags().IntVarP(&durationMs, "duration", "e", 100, "estimated duration in ms")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show system statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Setup(logging.Options{Level: "warn", Format: cfg.Logging.Format})

			cond := conductor.New(cfg)
			if err := cond.Start(); err != nil {
				return err
			}
			defer shutdownQuietly(cond, cfg)

			load := cond.GetSystemLoad()
			stats := cond.GetStats()
			tuningStats := cond.GetSelfTuningStats()

			header := color.New(color.FgCyan, color.Bold)

			header.Println("=== System Load ===")
			fmt.Printf("Active tasks:   %d\n", load.Metrics.ActiveTasks)
			fmt.Printf("Pending tasks:  %d\n", load.Metrics.PendingTasks)
			fmt.Printf("CPU usage:      %.1f%%\n", load.Metrics.CPUUsage)
			fmt.Printf("Memory:         %.1f MB\n", load.Metrics.MemoryMB)
			fmt.Printf("Idle duration:  %.1fs\n", load.Metrics.IdleDuration.Seconds())
			fmt.Printf("Dream state:    %s\n", cond.DreamState())
			if load.Bottleneck != nil {
				color.Yellow("Bottleneck detected: %s", *load.Bottleneck)
			}

			header.Println("\n=== Orchestrator ===")
			fmt.Printf("Total tasks:    %d\n", stats.TotalTasks)
			fmt.Printf("Completed:      %d\n", stats.CompletedTasks)
			fmt.Printf("Failed:         %d\n", stats.FailedTasks)
			fmt.Printf("Stolen:         %d\n", stats.StolenTasks)
			fmt.Printf("Workers:        %d\n", stats.WorkerCount)

			header.Println("\n=== Self-Tuning ===")
			fmt.Printf("Cycles run:     %d\n", tuningStats.CyclesRun)
			fmt.Printf("Changes:        %d\n", tuningStats.TunableChanges)
			fmt.Printf("Avg ratio:      %.2f\n", tuningStats.AvgImprovementRatio)

			header.Println("\n=== Workers ===")
			for _, w := range load.Workers {
				fmt.Printf("Worker %d: %s, load=%.2f, completed=%d\n",
					w.ID, w.Kind.Class, w.LoadFactor, w.TasksCompleted)
			}
			return nil
		},
	}
}

func violationsCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Show recent latency violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Setup(logging.Options{Level: "warn", Format: cfg.Logging.Format})

			cond := conductor.New(cfg)
			if err := cond.Start(); err != nil {
				return err
			}
			defer shutdownQuietly(cond, cfg)

			color.New(color.FgCyan, color.Bold).Println("=== Recent Latency Violations ===")
			fmt.Printf("(tasks exceeding the %dms threshold)\n\n", cfg.LatencyThresholdMs)

			violations := cond.GetRecentViolations(count)
			if len(violations) == 0 {
				fmt.Println("none recorded")
				return nil
			}
			for _, v := range violations {
				color.Yellow("%s  %s  %.2fms (threshold %.2fms)",
					v.Timestamp.Format(time.RFC3339), v.TaskName,
					float64(v.ActualDuration)/float64(time.Millisecond),
					float64(v.Threshold)/float64(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of violations to show")
	return cmd
}

func waitForCompletion(cond *conductor.Conductor, want uint64) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := cond.GetStats()
		if stats.CompletedTasks+stats.FailedTasks >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func shutdownQuietly(cond *conductor.Conductor, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace()+time.Second)
	defer cancel()
	_ = cond.Shutdown(ctx)
}
