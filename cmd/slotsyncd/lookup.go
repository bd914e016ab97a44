package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

type lookupOutput struct {
	Email         string               `json:"email"`
	Step          slotsync.ResolveStep `json:"step"`
	IndexDegraded bool                 `json:"indexDegraded,omitempty"`
	Account       *accountView         `json:"account,omitempty"`
}

type accountView struct {
	ID                string              `json:"id"`
	ShopifyEmailLower string              `json:"shopifyEmailLower,omitempty"`
	EmailLower        string              `json:"emailLower,omitempty"`
	DisplayName       string              `json:"displayName,omitempty"`
	PlanStatus        slotsync.PlanStatus `json:"planStatus"`
	Slots             slotsync.Balance    `json:"slots"`
	AuthUID           string              `json:"authUid,omitempty"`
	LastLoginAt       *time.Time          `json:"lastLoginAt,omitempty"`
}

func viewAccount(a *slotsync.Account) *accountView {
	if a == nil {
		return nil
	}
	v := &accountView{
		ID:                a.ID,
		ShopifyEmailLower: a.ShopifyEmailLower,
		EmailLower:        a.EmailLower,
		DisplayName:       a.DisplayName,
		PlanStatus:        a.PlanStatus,
		Slots:             a.Balance(),
		AuthUID:           a.AuthUID,
	}
	if !a.LastLoginAt.IsZero() {
		t := a.LastLoginAt
		v.LastLoginAt = &t
	}
	return v
}

func newLookupCmd(opts *rootOptions) *cobra.Command {
	var legacy bool
	cmd := &cobra.Command{
		Use:   "lookup <email>",
		Short: "Resolve an email to its account without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, newLogger(cfg.Log, cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var ropts []slotsync.ResolveOption
			if legacy {
				ropts = append(ropts, slotsync.WithLegacyEmail())
			}
			res, err := slotsync.NewResolver(a.store, a.options()).Resolve(cmd.Context(), args[0], ropts...)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), lookupOutput{
				Email:         slotsync.NormalizeEmail(args[0]),
				Step:          res.Step,
				IndexDegraded: res.IndexDegraded,
				Account:       viewAccount(res.Account),
			})
		},
	}
	cmd.Flags().BoolVar(&legacy, "legacy", true, "also match the raw-case email field")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
