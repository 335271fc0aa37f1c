package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ofkm/agenthost/internal/agent"
	"github.com/ofkm/agenthost/internal/config"
	"github.com/ofkm/agenthost/internal/logger"
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "agenthost",
		Short: "Host agent that reports to the control plane and relays messages to local agents",
		Long: `agenthost runs on a machine hosting AI agents. It reports host health to the
control plane on a heartbeat, and delivers chat messages from the heartbeat
response to agents running in containers or under a local CLI profile.

Configuration comes from an optional YAML file, AGENTHOST_* environment
variables and a .env file in the working directory.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, cfgFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: $AGENTHOST_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "log request and response bodies")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func run(ctx context.Context, v *viper.Viper, cfgFile string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	a := agent.New(cfg, log)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
		a.Stop()
	}()

	if err := a.Start(ctx); err != nil {
		log.WithError(err).Error("Agent failed")
		return err
	}
	return nil
}
