package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cinderlab/cinder/internal/logging"
	"github.com/cinderlab/cinder/internal/network"
	"github.com/cinderlab/cinder/internal/orchestrator"
	"github.com/cinderlab/cinder/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "cinder",
		Short:         "CLI for 'cinder': run untrusted code-generation tasks in disposable microVMs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(logger),
		newNetCommand(logger),
		newConfigCommand(logger),
	)
	return root
}

func newRunCommand(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		envFile    string
		toolsDir   string
	)

	cmd := &cobra.Command{
		Use:   "run <task>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Execute one or more task descriptions, each in its own microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptions := make([]string, 0, len(args))
			for _, arg := range args {
				if task := strings.TrimSpace(arg); task != "" {
					descriptions = append(descriptions, task)
				}
			}
			if len(descriptions) == 0 {
				return fmt.Errorf("at least one task description is required")
			}

			cmdLogger := logger.With("command", "run")

			cfg, err := setup.Load(configPath)
			if err != nil {
				cmdLogger.Error("loading configuration failed", "error", err)
				return err
			}
			if toolsDir != "" {
				cfg.VM.ToolsDir = toolsDir
			}

			apiKey, err := setup.LoadSecrets(envFile)
			if err != nil {
				cmdLogger.Error("loading secrets failed", "error", err)
				return err
			}

			engine, err := orchestrator.New(cfg, apiKey, logger)
			if err != nil {
				cmdLogger.Error("initializing orchestrator failed", "error", err)
				return err
			}

			cmdLogger.Info("starting runs", "tasks", len(descriptions), "max_concurrent", cfg.Limits.MaxConcurrent)
			outcomes := engine.RunAll(cmd.Context(), descriptions)

			failed := 0
			for _, outcome := range outcomes {
				if outcome.Status != orchestrator.OutcomeCompleted {
					failed++
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", outcome.VMID, outcome.TaskID, outcome.Status, outcome.Reason)
			}

			cmdLogger.Info("runs finished", "total", len(outcomes), "failed", failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d runs did not complete", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", setup.DefaultConfigPath, "Path to the configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Optional env file providing OPENAI_API_KEY")
	cmd.Flags().StringVar(&toolsDir, "tools-dir", "", "Directory packaged into a read-only guest tools image")

	return cmd
}

func newNetCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Inspect host networking prerequisites",
	}

	cmd.AddCommand(newNetCheckCommand(logger))
	return cmd
}

func newNetCheckCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report IP forwarding, default egress interface, and iptables availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "net.check")

			state, err := network.InspectHost()
			if err != nil {
				cmdLogger.Error("host inspection failed", "error", err)
				return err
			}

			fmt.Printf("ip_forwarding\t%t\n", state.ForwardingEnabled)
			fmt.Printf("default_interface\t%s\n", state.DefaultInterface)
			fmt.Printf("iptables\t%t\n", state.IptablesPresent)

			cmdLogger.Info("host inspection complete")
			return nil
		},
	}

	return cmd
}

func newConfigCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the cinder configuration file",
	}

	cmd.AddCommand(newConfigInitCommand(logger))
	return cmd
}

func newConfigInitCommand(logger *slog.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "config.init")

			if err := setup.WriteDefault(configPath); err != nil {
				cmdLogger.Error("writing configuration failed", "error", err)
				return err
			}

			cmdLogger.Info("configuration written", "path", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", setup.DefaultConfigPath, "Path for the new configuration file")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
