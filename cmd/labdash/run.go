package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labdash/internal/broadcast"
	"labdash/internal/config"
	"labdash/internal/history"
	"labdash/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <playbook>",
	Short: "Run a single playbook and stream its output",
	Long: `Run one playbook through the same orchestration path as the dashboard,
printing its output to stdout. The exit code mirrors the playbook's.

Example:
  labdash run deploy-monitoring.yml --config ./labdash.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlaybook,
}

func init() {
	runCmd.Flags().StringP("config", "c", "labdash.yaml", "Path to configuration file")
	runCmd.MarkFlagRequired("config")
}

func runPlaybook(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	playbook := args[0]

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := history.NewStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize run history store: %w", err)
	}

	ctx := setupSignalHandler()
	hub := broadcast.NewHub(logger, 0)
	orch := orchestrator.New(ctx, cfg, hub, st, logger)

	op, err := orch.RunPlaybook(playbook)
	if err != nil {
		st.Close()
		return err
	}

	events, cancelSub, err := hub.Subscribe(op.ID)
	if err != nil {
		st.Close()
		return err
	}
	defer cancelSub()

	// Forward Ctrl-C to the playbook instead of abandoning it.
	go func() {
		<-ctx.Done()
		_ = orch.Cancel(op.ID)
	}()

	exitCode := 0
	for ev := range events {
		switch ev.Type {
		case broadcast.TypeLine:
			fmt.Fprintln(os.Stdout, ev.Text)
		case broadcast.TypeEnd:
			if ev.ExitCode != nil {
				exitCode = *ev.ExitCode
			}
			if ev.Warning != "" {
				logger.Warn("run finished with warning", "warning", ev.Warning)
			}
			logger.Info("run finished",
				"playbook", playbook,
				"status", ev.Status,
				"exit_code", exitCode,
			)
		}
	}

	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
