package main

import (
	"github.com/spf13/cobra"
)

func newConflictsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded identity conflicts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, newLogger(cfg.Log, cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.store.ListIdentityConflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			type row struct {
				EmailLower         string `json:"emailLower"`
				AttemptedAccountID string `json:"attemptedAccountId"`
				ExistingAccountID  string `json:"existingAccountId"`
				Source             string `json:"source"`
				CreatedAt          string `json:"createdAt"`
			}
			rows := make([]row, 0, len(conflicts))
			for _, c := range conflicts {
				rows = append(rows, row{
					EmailLower:         c.EmailLower,
					AttemptedAccountID: c.AttemptedAccountID,
					ExistingAccountID:  c.ExistingAccountID,
					Source:             c.Source,
					CreatedAt:          c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
				})
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of conflicts to list")
	return cmd
}
