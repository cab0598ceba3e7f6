package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"VaultPilot/internal/auth"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "为指定所有者签发访问令牌",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := auth.NewService(authConfig(opts.cfg))
			if err != nil {
				return err
			}
			token, expires, err := svc.Issue(owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "过期时间: %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "令牌所属的所有者 ID")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
