package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/cron"
	"github.com/kizunalab/kizuna/pkg/gateway"
	"github.com/kizunalab/kizuna/pkg/logger"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "kizuna",
		Short: "Companion conversation sync, intimacy tracking, and proactive outreach",
		Long: strings.TrimSpace(`kizuna is the backend core of a chat companion.

It syncs conversation logs across devices, tracks relationship state with
read-time intimacy decay, consolidates long-term facts, and decides when
the companion should reach out first.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newServeCommand())
	root.AddCommand(newTickCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP gateway and the proactive cron loop",
		Example: "  kizuna serve --config ~/.kizuna/config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Format)

			svcs, err := openServices(cfg)
			if err != nil {
				return err
			}
			defer svcs.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := gateway.NewServer(cfg, configPath, gateway.Deps{
				Conv:         svcs.conv,
				Rel:          svcs.relStore,
				Facts:        svcs.factStore,
				Consolidator: svcs.consolidator,
				Proactive:    svcs.proStore,
				Scheduler:    svcs.scheduler,
			})

			runner, err := cron.NewRunner(cfg.Proactive.CronExpr, cfg.Proactive.Location(), func(tickCtx context.Context) error {
				settings := cfg.Proactive
				if fresh, err := config.Load(configPath); err == nil {
					settings = fresh.Proactive
				}
				_, err := svcs.scheduler.Tick(tickCtx, settings)
				return err
			})
			if err != nil {
				return err
			}
			runner.Start(ctx)
			defer runner.Stop()

			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	return cmd
}

func newTickCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "tick",
		Short:   "Run one proactive scheduler pass and print the report",
		Long:    "One-shot scheduler pass for external cron setups. Prints the per-user tick report as JSON.",
		Example: "  kizuna tick --config ~/.kizuna/config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Format)

			svcs, err := openServices(cfg)
			if err != nil {
				return err
			}
			defer svcs.Close()

			report, err := svcs.scheduler.Tick(cmd.Context(), cfg.Proactive)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		configPath string
		userID     string
		name       string
	)

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Local REPL that talks through the sync service",
		Long:    "Interactive local chat. Every turn is appended to the conversation log, so proactive scheduling and intimacy tracking see it.",
		Example: "  kizuna chat --user local --name Mika",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, "console")

			svcs, err := openServices(cfg)
			if err != nil {
				return err
			}
			defer svcs.Close()

			return runChat(cmd.Context(), cfg, svcs, userID, name)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id for the session")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name shown in the transcript")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  kizuna version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
