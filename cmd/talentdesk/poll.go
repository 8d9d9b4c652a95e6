package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/talentdesk-io/talentdesk/internal/runner"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the configured mailbox once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Mail.Inbound.Host == "" && cfg.Mail.Inbound.Type != "mbox" {
			return errors.New("mail.inbound.host is not configured")
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		task := a.pollTask()
		reg := runner.NewTaskRegistry()
		if err := reg.Register(task); err != nil {
			return err
		}
		err = runner.NewRunner(reg, logger).RunOnce(cmd.Context(), task.Name())
		if errors.Is(err, runner.ErrSkipped) {
			logger.Info().Msg("another poll holds the mailbox lock")
			return nil
		}
		return err
	},
}
