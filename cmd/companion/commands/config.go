package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/companion/pkg/companion/copilot"
)

// newConfigCmd creates the `companion config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration",
		Long: `Manage the companion configuration and secrets.

Examples:
  companion config init
  companion config show
  companion config validate
  companion config set-key`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPathFlag(cmd)
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return oops.With("path", path).Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := copilot.DefaultConfig()
			cfg.API.APIKey = "${" + copilot.EnvAPIKey + "}"
			if err := copilot.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Config created at %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigForCLI(cmd)
			if err != nil {
				return err
			}

			masked := *cfg
			masked.API.APIKey = maskSecret(cfg.API.APIKey)
			masked.Channels.Telegram.Token = maskSecret(cfg.Channels.Telegram.Token)
			masked.Channels.Discord.Token = maskSecret(cfg.Channels.Discord.Token)
			masked.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)
			masked.Logging.Telegram.Token = maskSecret(cfg.Logging.Telegram.Token)

			out, err := yaml.Marshal(&masked)
			if err != nil {
				return oops.Errorf("marshaling config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfigForCLI(cmd); err != nil {
				return err
			}
			fmt.Println("Config is valid.")
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := copilot.ReadPassword("API key (hidden input): ")
			if err != nil {
				return oops.Errorf("reading API key: %w", err)
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return oops.Errorf("empty API key")
			}
			if err := copilot.StoreKeyring(copilot.KeyringAPIKey, key); err != nil {
				return oops.Errorf("storing API key in the OS keyring: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := copilot.DeleteKeyring(copilot.KeyringAPIKey); err != nil {
				return oops.Errorf("removing API key from the OS keyring: %w", err)
			}
			fmt.Println("API key removed from the OS keyring.")
			return nil
		},
	}
}

// configPathFlag returns --config or the default path.
func configPathFlag(cmd *cobra.Command) string {
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfigForCLI loads --config or the discovered file, without offering
// the setup wizard.
func loadConfigForCLI(cmd *cobra.Command) (*copilot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = copilot.FindConfigFile()
	}
	if path == "" {
		return nil, errors.New("no config file found; run 'companion setup' or 'companion config init'")
	}
	return copilot.LoadConfigFromFile(path)
}

// maskSecret keeps env references and the last four characters.
func maskSecret(s string) string {
	if s == "" || copilot.IsEnvReference(s) {
		return s
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
