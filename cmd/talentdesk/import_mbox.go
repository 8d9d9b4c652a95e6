package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/talentdesk-io/talentdesk/internal/email/inbound/connector"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/postmaster"
)

var importMboxCmd = &cobra.Command{
	Use:   "import-mbox <file>",
	Short: "Backfill tickets from an mbox export",
	Long: `Feeds every message of an mbox file through the same threading and
deduplication as the mailbox poll. Messages already stored are skipped, so an
import can be repeated safely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// the processor reports results sequentially
		var results []postmaster.Result
		a.onResult(func(r postmaster.Result) { results = append(results, r) })

		path := args[0]
		account := connector.Account{ID: "mbox:" + filepath.Base(path), Type: "mbox", Folder: path}
		fetcher := connector.NewMboxFetcher(connector.WithMboxLogger(logger))
		fetchErr := fetcher.Fetch(cmd.Context(), account, a.processor)

		summary := postmaster.Summarize(results)
		fmt.Fprintf(cmd.OutOrStdout(), "new tickets: %d, follow-ups: %d, duplicates: %d, skipped: %d, errors: %d\n",
			summary[postmaster.ActionNewTicket], summary[postmaster.ActionFollowUp], summary[postmaster.ActionDuplicate],
			summary[postmaster.ActionSkipped], summary[postmaster.ActionError])
		return fetchErr
	},
}
