package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configShowEffective bool
	configShowReveal    bool
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Include HUDDLE_* environment overrides")
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the bearer token unmasked")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Huddle configuration",
	Long:  "View or modify the Huddle CLI configuration stored in ~/.huddle/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadFileConfig
		if configShowEffective {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration found. Run 'huddle init <token>' to create one.")
			return nil
		}
		out, err := renderConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// renderConfig formats cfg as TOML. Unless reveal is set the token is masked.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if !reveal && shown.Auth.Token != "" {
		shown.Auth.Token = maskToken(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: huddle config set default.realtime_url wss://rt.huddle.fit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Edit the file as stored; environment overrides must not leak into it.
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if strings.HasSuffix(key, ".token") {
			shown = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
