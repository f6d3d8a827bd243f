package cli

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eldorplus/pki/internal/infrastructure/authn"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/redisstore"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint agent bearer tokens for development and tests",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign an HS256 agent token with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set")
		}
		subject, _ := cmd.Flags().GetString("subject")
		groups, _ := cmd.Flags().GetStringSlice("groups")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if subject == "" {
			return fmt.Errorf("--subject is required")
		}

		now := time.Now()
		claims := authn.AgentClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				Subject:   subject,
				Issuer:    cfg.Auth.JWTIssuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			},
			Groups: groups,
			Email:  email,
		}
		if cfg.Auth.JWTAudience != "" {
			claims.Audience = jwt.ClaimStrings{cfg.Auth.JWTAudience}
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Deny an agent token id in the Redis denylist until it expires",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		jti, _ := cmd.Flags().GetString("jti")
		until, _ := cmd.Flags().GetDuration("for")
		if jti == "" {
			return fmt.Errorf("--jti is required")
		}
		client, err := redisstore.NewClient(cmd.Context(), &cfg.Redis, log)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := redisstore.NewTokenDenylist(client, cfg.Redis.KeyPrefix).Deny(cmd.Context(), jti, time.Now().Add(until)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "denied %s for %s\n", jti, until)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("subject", "", "agent identity")
	tokenIssueCmd.Flags().StringSlice("groups", []string{"agents"}, "groups, realm names included")
	tokenIssueCmd.Flags().String("email", "", "agent email")
	tokenIssueCmd.Flags().Duration("ttl", 15*time.Minute, "token lifetime")
	tokenRevokeCmd.Flags().String("jti", "", "token id to deny")
	tokenRevokeCmd.Flags().Duration("for", 24*time.Hour, "how long to deny it, at least the token's remaining lifetime")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}
