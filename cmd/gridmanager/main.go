// Command gridmanager runs the compute-grid Manager: it binds the TCP
// acceptor, supervises the manager plug-in child process, and routes
// traffic between attached Workers and that child (spec.md §2, §4.3,
// §4.6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/computegrid/grid/internal/archive"
	"github.com/computegrid/grid/internal/audit"
	"github.com/computegrid/grid/internal/childproc"
	"github.com/computegrid/grid/internal/config"
	"github.com/computegrid/grid/internal/logger"
	"github.com/computegrid/grid/internal/router"
	"github.com/computegrid/grid/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:   "gridmanager",
		Short: "compute-grid Manager: accepts Workers and routes them to a plug-in process",
	}
	root.AddCommand(serveCmd(), installCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath, logFile, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the Manager, accepting Workers and driving the manager plug-in",
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
			if err := installer.LoadCached(archive.Manager); err != nil {
				return fmt.Errorf("load cached manager archive: %w", err)
			}
			if err := installer.LoadCached(archive.Worker); err != nil {
				return fmt.Errorf("load cached worker archive: %w", err)
			}
			trail, err := audit.Open(filepath.Join(dataDir, "audit.db"))
			if err != nil {
				return fmt.Errorf("open audit trail: %w", err)
			}
			defer trail.Close()

			addr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)
			srv, err := server.Listen(addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer srv.Close()
			logger.Info("manager listening", "addr", srv.Addr().String())

			child := childproc.New()
			r := router.NewManagerRouter(cfg, srv, installer, child, trail)

			if exePath := installer.ExecutablePath(archive.Manager); fileExists(exePath) {
				if err := child.Start(exePath, nil, filepath.Dir(exePath)); err != nil {
					logger.Error("manager child failed to start", "err", err)
				}
			} else {
				logger.Warn("no manager plug-in installed yet; run 'gridmanager install' first")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			watchCtx, cancelWatch := context.WithCancel(ctx)
			defer cancelWatch()
			if err := installer.WatchCache(watchCtx, archive.Worker, func() {
				logger.Info("worker archive reloaded from disk")
				trail.Record(audit.Event{Timestamp: time.Now(), Kind: audit.ArchiveReloaded, Detail: "worker"})
			}); err != nil {
				logger.Warn("watch worker archive cache failed", "err", err)
			}

			go srv.Serve(ctx)
			go r.Pump(ctx)
			go r.Heartbeat(ctx)
			r.Run(ctx)

			logger.Info("shutting down manager")
			srv.Close()
			child.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gridmanager_config.ini", "path to the .ini config file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional log file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func installCmd() *cobra.Command {
	var configPath, managerArchive, workerArchive string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "install the manager and/or worker plug-in archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dataDir, err := config.ResolveDataDir(cfg)
			if err != nil {
				return fmt.Errorf("resolve data dir: %w", err)
			}
			installer := archive.New(dataDir)
			trail, err := audit.Open(filepath.Join(dataDir, "audit.db"))
			if err != nil {
				return fmt.Errorf("open audit trail: %w", err)
			}
			defer trail.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ROLE\tARCHIVE\tSTATUS")

			if managerArchive != "" {
				printInstallResult(w, installer, trail, archive.Manager, managerArchive)
			}
			if workerArchive != "" {
				printInstallResult(w, installer, trail, archive.Worker, workerArchive)
			}
			if managerArchive == "" && workerArchive == "" {
				return fmt.Errorf("specify --manager-archive and/or --worker-archive")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gridmanager_config.ini", "path to the .ini config file")
	cmd.Flags().StringVar(&managerArchive, "manager-archive", "", "path to manager.zip")
	cmd.Flags().StringVar(&workerArchive, "worker-archive", "", "path to worker.zip")
	return cmd
}

func historyCmd() *cobra.Command {
	var configPath, workerID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "print recorded audit trail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dataDir, err := config.ResolveDataDir(cfg)
			if err != nil {
				return fmt.Errorf("resolve data dir: %w", err)
			}
			trail, err := audit.Open(filepath.Join(dataDir, "audit.db"))
			if err != nil {
				return fmt.Errorf("open audit trail: %w", err)
			}
			defer trail.Close()

			var events []audit.Event
			if workerID != "" {
				events, err = trail.ForWorker(workerID)
			} else {
				events, err = trail.Recent(limit)
			}
			if err != nil {
				return fmt.Errorf("read audit trail: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "TIME\tWORKER\tKIND\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.WorkerID, ev.Kind, ev.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gridmanager_config.ini", "path to the .ini config file")
	cmd.Flags().StringVar(&workerID, "worker", "", "show only events for this worker id (overrides --limit ordering)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show when --worker is not set")
	return cmd
}

func printInstallResult(w *tabwriter.Writer, installer *archive.Installer, trail *audit.Trail, role archive.Role, path string) {
	status := "ok"
	bytes, err := os.ReadFile(path)
	if err == nil {
		err = installer.Install(bytes, role)
	}
	if err != nil {
		status = err.Error()
		if coloredOutput() {
			status = "\x1b[31m" + status + "\x1b[0m"
		}
	} else {
		if recErr := trail.Record(audit.Event{Timestamp: time.Now(), Kind: audit.ArchiveInstalled, Detail: string(role)}); recErr != nil {
			logger.Warn("audit record failed", "err", recErr)
		}
		if coloredOutput() {
			status = "\x1b[32m" + status + "\x1b[0m"
		}
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", role, path, status)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// coloredOutput reports whether stdout is a terminal that supports
// color.
func coloredOutput() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
