package main

import (
	"fmt"

	"github.com/spf13/cobra"

	huddle "github.com/huddlefit/huddle-go"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "User id (defaults to the token subject)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.huddle/config.toml",
	Long:  "Initialize the Huddle CLI by storing your bearer token in the local configuration file.\nIf the token is a JWT, the user id is taken from its subject.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = initUserID
		if cfg.Auth.UserID == "" {
			if claims, err := huddle.ParseTokenClaims(token); err == nil {
				cfg.Auth.UserID = claims.Subject
			}
		}
		if cfg.Default.APIURL == "" {
			cfg.Default.APIURL = huddle.DefaultBaseURL
		}
		if cfg.Default.RealtimeURL == "" {
			cfg.Default.RealtimeURL = defaultRealtimeURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id found in the token; set one with 'huddle config set auth.user_id <id>'.")
		}
		return nil
	},
}
