package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newIssueTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at=%s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&email, "email", "", "Optional user email claim")
	if err := cmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}
	return cmd
}
