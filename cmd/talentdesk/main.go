package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/talentdesk-io/talentdesk/internal/config"
	"github.com/talentdesk-io/talentdesk/internal/logging"
	"github.com/talentdesk-io/talentdesk/internal/version"
)

var (
	configDir string
	cfg       *config.Config
	logger    zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "talentdesk",
	Short: "TalentDesk mail ticketing",
	Long: `TalentDesk turns the job board's support mailbox into tickets.

It polls the mailbox, threads every message onto its ticket, and sends
agent replies with the headers customers' mail clients need to keep the
conversation together.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(configDir)
		if err != nil {
			return err
		}
		if cfg, err = config.Decode(v); err != nil {
			return err
		}
		logger = logging.New(cfg.Logging).With().Str("app", cfg.App.Name).Logger()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// no config needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "talentdesk", version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "Directory holding default.yaml and config.yaml")
	rootCmd.AddCommand(versionCmd, serveCmd, pollCmd, importMboxCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
