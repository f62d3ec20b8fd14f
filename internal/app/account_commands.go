package app

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/spf13/cobra"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

func (s *runtimeState) newAccountsCommand() *cobra.Command {
	root := &cobra.Command{Use: "accounts", Short: "Manage stored delegations and automation flags"}

	var putAccount, putDelegation string
	var putEnable bool
	put := &cobra.Command{
		Use:   "put",
		Short: "Store or replace the delegation for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := strings.TrimSpace(putAccount)
			if accountID == "" {
				return clierr.New(clierr.CodeUsage, "--account is required")
			}
			d, err := loadDelegation(putDelegation, cmd.InOrStdin())
			if err != nil {
				return err
			}
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			record := store.AutomationRecord{
				AccountID:         accountID,
				Delegation:        &d,
				AutomationEnabled: putEnable,
				UpdatedAt:         s.runner.now().UTC(),
			}
			if err := st.Save(ctx, record); err != nil {
				return err
			}
			return s.emitSuccess(cmd, record)
		},
	}
	put.Flags().StringVar(&putAccount, "account", "", "Account id")
	put.Flags().StringVar(&putDelegation, "delegation-file", "", "Delegation JSON file (- for stdin)")
	put.Flags().BoolVar(&putEnable, "enable", false, "Enable automated rebalancing for the account")
	_ = put.MarkFlagRequired("account")
	_ = put.MarkFlagRequired("delegation-file")

	var getAccount string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the stored record for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			record, ok, err := st.Load(ctx, getAccount)
			if err != nil {
				return err
			}
			if !ok {
				return clierr.New(clierr.CodeNotFound, "no automation record for account "+getAccount)
			}
			return s.emitSuccess(cmd, record)
		},
	}
	get.Flags().StringVar(&getAccount, "account", "", "Account id")
	_ = get.MarkFlagRequired("account")

	var enabledOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			records, err := st.List(ctx, enabledOnly)
			if err != nil {
				return err
			}
			if records == nil {
				records = []store.AutomationRecord{}
			}
			return s.emitSuccess(cmd, records)
		},
	}
	list.Flags().BoolVar(&enabledOnly, "enabled", false, "Only accounts with automation enabled")

	root.AddCommand(put, get, list, s.newAutomationToggle("enable", true), s.newAutomationToggle("disable", false))
	return root
}

func (s *runtimeState) newAutomationToggle(use string, enabled bool) *cobra.Command {
	short := "Turn automated rebalancing off for an account"
	if enabled {
		short = "Turn automated rebalancing on for an account"
	}
	var accountID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			record, err := st.SetAutomation(ctx, accountID, enabled)
			if err != nil {
				return err
			}
			return s.emitSuccess(cmd, record)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func (s *runtimeState) newActivityCommand() *cobra.Command {
	root := &cobra.Command{Use: "activity", Short: "Read the per-account activity log"}

	var accountID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent activity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			if limit > maxActivityLimit {
				limit = maxActivityLimit
			}
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			entries, err := st.ListActivity(ctx, accountID, limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []store.Activity{}
			}
			return s.emitSuccess(cmd, entries)
		},
	}
	list.Flags().StringVar(&accountID, "account", "", "Account id")
	list.Flags().IntVar(&limit, "limit", defaultActivityLimit, "Maximum entries to return")
	_ = list.MarkFlagRequired("account")

	root.AddCommand(list)
	return root
}
