package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgefw/netreject/internal/config"
	"github.com/edgefw/netreject/internal/dispatch"
	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/log"
	"github.com/edgefw/netreject/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run [divert-filter]",
	Short: "Divert matching traffic and reject it",
	Long: `Divert traffic matching the filter and reject each packet with the
protocol-appropriate reply. Runs until interrupted.

Examples:
  netreject run true
  netreject run "outbound and tcp and dst port 80" -p 1000`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRunCommand(cmd, args)
	},
}

var runPriority int16

func init() {
	runCmd.Flags().Int16VarP(&runPriority, "priority", "p", 0,
		"handle priority, higher sees traffic first")
}

func runRunCommand(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, args)
	log.Init(cfg.Log)
	logger := log.GetLogger()

	handle, err := divert.NewHandle(cfg.Handle.Type, cfg.Filter, cfg.Priority, cfg.Handle.Options)
	if err != nil {
		exitWithError("invalid handle configuration", err)
	}
	if err := handle.Open(); err != nil {
		if errors.Is(err, divert.ErrFilterSyntax) {
			exitWithError("filter syntax error", err)
		}
		exitWithError("failed to open divert handle", err)
	}
	defer handle.Close()

	logger.WithFields(map[string]interface{}{
		"filter":   cfg.Filter,
		"priority": cfg.Priority,
		"handle":   cfg.Handle.Type,
	}).Info("diverting traffic")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			exitWithError("failed to start metrics server", err)
		}
		defer srv.Stop(context.Background())
	}

	if err := dispatch.New(handle).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitWithError("dispatch loop failed", err)
	}
	logger.Info("shutdown complete")
}

// loadConfig merges the config file with the command line: a filter
// argument and an explicitly set priority flag win over the file.
func loadConfig(cmd *cobra.Command, args []string) *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load config", err)
	}
	if len(args) > 0 {
		cfg.Filter = args[0]
	}
	if cmd.Flags().Changed("priority") {
		cfg.Priority = runPriority
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, divert.ErrFilterSyntax) {
			exitWithError("filter syntax error", err)
		}
		exitWithError("invalid configuration", err)
	}
	return cfg
}
