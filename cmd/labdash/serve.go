package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"labdash/internal/broadcast"
	"labdash/internal/config"
	"labdash/internal/history"
	"labdash/internal/hypervisor"
	"labdash/internal/logging"
	"labdash/internal/orchestrator"
	"labdash/internal/scheduler"
	"labdash/internal/server"
	"labdash/internal/vmstat"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard API server",
	Long: `Start the dashboard backend.

This command loads the configuration file, checks the lab environment
(vmrun, cluster directory, ansible project, provisioning scripts), and
serves the HTTP API including the websocket log stream.

Example:
  labdash serve --config ./labdash.yaml`,
	RunE: runServer,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "labdash.yaml", "Path to configuration file")
	serveCmd.MarkFlagRequired("config")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Logging.Output != "" || cfg.Logging.Level != "" || cfg.Logging.Format != "" {
		serveLogger, err := logging.NewFromConfig(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = serveLogger
		slog.SetDefault(serveLogger)
	}

	logger.Info("starting labdash in serve mode",
		"config", configPath,
		"addr", cfg.Server.Addr())

	if err := checkEnvironment(cfg, logger); err != nil {
		return err
	}

	st, err := history.NewStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize run history store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	logger.Info("run history store initialized",
		"driver", cfg.Store.Driver, "path", cfg.Store.Path)

	// Setup signal handling for graceful shutdown
	ctx := setupSignalHandler()

	hub := broadcast.NewHub(logger, 0)
	orch := orchestrator.New(ctx, cfg, hub, st, logger)

	var sched *scheduler.Scheduler
	if len(cfg.Schedules) > 0 {
		sched = scheduler.New(orch, logger)
		for _, sc := range cfg.Schedules {
			if err := sched.Add(sc.Playbook, sc.Cron); err != nil {
				return fmt.Errorf("failed to add schedule for %s: %w", sc.Playbook, err)
			}
		}
	}

	srv := server.New(server.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Hub:          hub,
		Store:        st,
		Hypervisor:   hypervisor.New(cfg.Hypervisor, logger),
		Metrics:      vmstat.New(cfg.Ansible.SSHUser, logger),
		Scheduler:    sched,
		Logger:       logger,
	})

	g, gCtx := errgroup.WithContext(ctx)

	if sched != nil {
		g.Go(func() error {
			sched.Start()
			<-gCtx.Done()
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Start(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down gracefully...")

		if sched != nil {
			sched.Stop()
		}
		if err := srv.Stop(context.Background()); err != nil {
			logger.Error("error stopping server", "error", err)
		}
		return nil
	})

	logger.Info("labdash serve mode started",
		"schedules", len(cfg.Schedules),
		"dashboard_url", fmt.Sprintf("http://%s", cfg.Server.Addr()))

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("error during execution", "error", err)
		return err
	}

	logger.Info("labdash stopped")
	return nil
}

// checkEnvironment verifies the lab collaborators exist on disk. The
// hypervisor CLI, the scripts directory and the ansible project are fatal
// when missing: every operation would fail confusingly at first use. The
// rest (individual scripts, playbooks dir, vm config) can appear later and
// are only warnings.
func checkEnvironment(cfg *config.Config, logger *slog.Logger) error {
	critical := []struct {
		label string
		path  string
	}{
		{"vmrun executable", cfg.Hypervisor.VMRunPath},
		{"scripts directory", cfg.Scripts.Dir},
		{"ansible directory", cfg.Ansible.Dir},
	}
	for _, c := range critical {
		if _, err := os.Stat(c.path); err != nil {
			return fmt.Errorf("environment check failed: %s not found at %s", c.label, c.path)
		}
	}

	optional := []struct {
		label string
		path  string
	}{
		{"cluster directory", cfg.Hypervisor.ClusterDir},
		{"playbooks directory", cfg.Ansible.PlaybooksDir()},
		{"provision script", cfg.Scripts.ProvisionPath()},
		{"deprovision script", cfg.Scripts.DeprovisionPath()},
		{"vm config", cfg.VMConfigPath},
	}
	for _, c := range optional {
		if _, err := os.Stat(c.path); err != nil {
			logger.Warn("environment check failed",
				"check", c.label,
				"path", c.path,
				"error", err,
			)
		} else {
			logger.Debug("environment check ok", "check", c.label, "path", c.path)
		}
	}

	return nil
}
