package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/sentinel/internal/auth"
	"github.com/p-blackswan/sentinel/internal/models"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenProject, "project", "", "Project the token is scoped to (defaults to SENTINEL_PROJECT_ID)")
	tokenCmd.Flags().StringVar(&tokenClientType, "client-type", "", "Restrict the token to interceptor, dashboard or simulator clients")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
}

var (
	tokenProject    string
	tokenClientType string
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a client token signed with SENTINEL_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		project := tokenProject
		if project == "" {
			project = cfg.ProjectID
		}
		ct := models.ClientType(tokenClientType)
		if ct != "" && !ct.Valid() {
			return fmt.Errorf("unknown client type %q", tokenClientType)
		}
		authority, err := auth.New(cfg.JWTSecret)
		if err != nil {
			return err
		}
		token, err := authority.Issue(project, ct, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
