// Command agent runs the GPU fleet node agent: it bootstraps a Hardware
// Probe, a Container Supervisor, a Tunnel Supervisor and a Control
// Session, wires them into an Orchestrator, and runs that Orchestrator
// until interrupted.
//
// Grounded on the teacher's cmd/node/main.go (flag parsing, sequential
// collaborator construction, signal-triggered graceful shutdown) and
// cuemby-warren's cmd/warren/main.go (cobra root command with
// subcommands and persistent flags) for the CLI shape spec.md §6 and
// SPEC_FULL.md's expansion of it call for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/node-agent/internal/config"
	"github.com/gpufleet/node-agent/internal/container"
	"github.com/gpufleet/node-agent/internal/domain"
	"github.com/gpufleet/node-agent/internal/logging"
	"github.com/gpufleet/node-agent/internal/orchestrator"
	"github.com/gpufleet/node-agent/internal/probe"
	"github.com/gpufleet/node-agent/internal/tunnel"
	"github.com/gpufleet/node-agent/internal/wsclient"
)

// Version is set via -ldflags "-X main.Version=..." at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "GPU fleet node agent",
	Long: `agent runs on a GPU rental host: it accepts start/stop commands
from the fleet backend over a control session, launches rental workloads
as Docker containers, and exposes them through per-rental frp tunnels.`,
}

func init() {
	rootCmd.AddCommand(startCmd, versionCmd, statusCmd, setupCmd, stopCmd)

	startCmd.Flags().String("config", "", "path to agent config file")
	startCmd.Flags().String("log-level", "", "override logging.level from config")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node agent and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevelOverride, _ := cmd.Flags().GetString("log-level")
		return runAgent(configPath, logLevelOverride)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("agent version %s\n", Version)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the status of a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("status: not implemented in this build")
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("setup: not implemented in this build")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("stop: not implemented in this build")
		return nil
	},
}

func runAgent(configPath, logLevelOverride string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if logLevelOverride != "" {
		settings.Logging.Level = logLevelOverride
	}
	if err := settings.ValidateLogLevel(); err != nil {
		return err
	}
	if missing := settings.ValidateRequired(); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing required configuration: %v\n", missing)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  logging.Level(settings.Logging.Level),
		Format: settings.Logging.Format,
	})
	log := logging.WithNodeID(settings.Node.ID)
	log.Info().Msg("agent starting")

	gpuProbe := probe.NewProbe()
	defer gpuProbe.Close()
	cachedProbe := probe.NewCachedProbe(gpuProbe, 5*time.Second)
	defer cachedProbe.Stop()

	containers, err := container.New(
		settings.Docker.AllowedImages,
		settings.Docker.Defaults.NetworkMode,
		settings.Docker.Defaults.RestartPolicy,
	)
	if err != nil {
		return fmt.Errorf("initializing container supervisor: %w", err)
	}
	defer containers.Close()

	tunnels := tunnel.New(tunnel.Config{
		ServerAddr: settings.FRP.ServerAddr,
		ServerPort: settings.FRP.ServerPort,
		Token:      settings.FRP.Token,
		FRPCPath:   settings.FRP.FRPCPath,
	})

	session := wsclient.New(wsclient.Config{
		URL:                  settings.Backend.URL,
		APIKey:               settings.Backend.APIKey,
		ReconnectDelay:       time.Duration(settings.Backend.ReconnectDelaySecs) * time.Second,
		MaxReconnectAttempts: settings.Backend.MaxReconnectAttempts,
	})

	identity := domain.NodeIdentity{
		NodeID:     settings.Node.ID,
		APIKey:     settings.Backend.APIKey,
		BackendURL: settings.Backend.URL,
		RelayAddr:  settings.FRP.ServerAddr,
		RelayPort:  settings.FRP.ServerPort,
		RelayToken: settings.FRP.Token,
	}

	orch := orchestrator.New(orchestrator.Config{
		Identity:             identity,
		HeartbeatInterval:    time.Duration(settings.Node.HeartbeatIntervalSeconds) * time.Second,
		ReconnectDelay:       time.Duration(settings.Backend.ReconnectDelaySecs) * time.Second,
		MaxReconnectAttempts: settings.Backend.MaxReconnectAttempts,
	}, containers, tunnels, session, cachedProbe)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orch.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-runErrCh:
		if err != nil {
			log.Error().Err(err).Msg("orchestrator exited with error")
		}
	}

	orch.Shutdown()

	log.Info().Msg("agent stopped")
	return nil
}
