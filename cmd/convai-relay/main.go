// Command convai-relay bridges carrier media streams (Twilio / SignalWire) to
// an ElevenLabs conversational agent.
//
// Start the relay:
//
//	convai-relay serve --config relay.ini
//
// Create the call record table:
//
//	convai-relay migrate --config relay.ini
//
// Credentials come from the [provider] section or ELEVENLABS_API_KEY and
// ELEVENLABS_AGENT_ID; a .env file in the working directory is honoured.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/birddigital/convai-relay/pkg/config"
	"github.com/birddigital/convai-relay/pkg/logging"
	"github.com/birddigital/convai-relay/pkg/store"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "convai-relay",
		Short:        "Relay phone calls to a conversational AI agent",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONVAI_RELAY_CONFIG"),
		"Path to INI configuration file (optional)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildMigrateCmd(&configPath),
	)
	return rootCmd
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long: `Run the relay HTTP server.

Routes:
  /incoming-call  carrier webhook, answers with stream TwiML
  /media-stream   carrier media stream websocket
  /sessions       live sessions as JSON
  /health         liveness
  /metrics        Prometheus metrics

Live calls are closed with 1001 (going away) on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the call record table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("DATABASE_URL not configured")
			}

			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			st, err := store.Open(cmd.Context(), cfg.Database.URL, logging.Component(logger, "store"))
			if err != nil {
				return err
			}
			defer st.Close()

			return st.Migrate(cmd.Context())
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
