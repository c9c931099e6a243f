package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the hako service",
	Long:  `Starts hako as a long-running service using component lifecycle orchestration. It exposes the session REST API, the terminal WebSocket, and runs the idle-session sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		guardComp := components.NewGuardComponent(cfg)
		runtimeComp := components.NewRuntimeComponent(&cfg.Runtime)
		sessionsComp := components.NewSessionsComponent(cfg, runtimeComp)
		terminalComp := components.NewTerminalComponent(&cfg.Terminal, runtimeComp, sessionsComp)
		filetreeComp := components.NewFileTreeComponent(cfg, runtimeComp, sessionsComp)
		sweeperComp := components.NewSweeperComponent(cfg, sessionsComp, filetreeComp)
		httpComp := components.NewHTTPServerComponent(cfg, runtimeComp, sessionsComp, terminalComp, filetreeComp)

		daemonMgr.AddComponent(guardComp)
		daemonMgr.AddComponent(runtimeComp)
		daemonMgr.AddComponent(sessionsComp)
		daemonMgr.AddComponent(terminalComp)
		daemonMgr.AddComponent(filetreeComp)
		daemonMgr.AddComponent(sweeperComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Hako starting up...", "port", cfg.Server.Port)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Hako stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Hako stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
