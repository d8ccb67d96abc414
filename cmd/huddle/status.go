package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	huddle "github.com/huddlefit/huddle-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, check whether the token has expired, and summarize the local cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:      %s\n", valueOrDefault(cfg.Default.APIURL, huddle.DefaultBaseURL))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, defaultRealtimeURL))
		fmt.Printf("  Cache:        %s\n", valueOrDefault(cfg.Default.CacheDir, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			claims, err := huddle.ParseTokenClaims(cfg.Auth.Token)
			switch {
			case err != nil:
				tokenStatus = "present (not a JWT)"
			case claims.ExpiresAt.IsZero():
				tokenStatus = "present (no expiry set)"
			case claims.Expired(time.Now()):
				tokenStatus = fmt.Sprintf("EXPIRED %s", humanize.Time(claims.ExpiresAt))
			default:
				tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(claims.ExpiresAt))
			}
			if err == nil && claims.Subject != "" && cfg.Auth.UserID != "" && claims.Subject != cfg.Auth.UserID {
				fmt.Printf("  Warning:      token subject %q differs from user id\n", claims.Subject)
			}
		}
		fmt.Printf("  Token:        %s (%s)\n", tokenStatus, maskToken(cfg.Auth.Token))

		if cfg.Default.CacheDir == "" || cfg.Auth.Token == "" {
			return nil
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		convs, err := s.repo.CachedConversations()
		if err != nil {
			fmt.Printf("  Error reading cache: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(convs))))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(unread)))
		return nil
	},
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return "not set"
	}
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
