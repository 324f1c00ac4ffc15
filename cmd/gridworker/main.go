// Command gridworker runs the compute-grid Worker: it dials the
// Manager, installs and supervises the worker plug-in child process it
// receives over the wire, and relays traffic between them (spec.md §2,
// §4.6 Source B/D, §4.8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/computegrid/grid/internal/archive"
	"github.com/computegrid/grid/internal/childproc"
	"github.com/computegrid/grid/internal/config"
	"github.com/computegrid/grid/internal/logger"
	"github.com/computegrid/grid/internal/router"
)

func main() {
	root := &cobra.Command{
		Use:   "gridworker",
		Short: "compute-grid Worker: attaches to a Manager and runs its assigned plug-in",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath, logFile, logLevel string
	var threads int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "connect to the Manager and run the worker plug-in it ships",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			dataDir, err := config.ResolveDataDir(cfg)
			if err != nil {
				return fmt.Errorf("resolve data dir: %w", err)
			}
			installer := archive.New(dataDir)

			instanceID := uuid.New().String()
			logger.Info("worker starting", "instance_id", instanceID, "data_dir", dataDir)

			child := childproc.New()
			addr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)
			r := router.NewWorkerRouter(cfg, addr, installer, child, threads)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go r.LivenessLoop(ctx)
			go r.ConnectLoop(ctx)
			r.Run(ctx)

			logger.Info("shutting down worker")
			child.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gridworker_config.ini", "path to the .ini config file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional log file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().IntVar(&threads, "threads", 0, "ideal thread count reported to the Manager (0 = runtime.NumCPU())")
	return cmd
}
