package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/elliotchance/pie/v2"
	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/jholhewres/companion/pkg/companion/copilot"
	"github.com/jholhewres/companion/pkg/companion/persona"
)

// defaultConfigPath is where setup and config init write the config.
const defaultConfigPath = "config.yaml"

// Where setup stores the API key.
const (
	keyStorageKeyring = "keyring"
	keyStorageEnvFile = "env"
	keyStorageSkip    = "skip"
)

// newSetupCmd creates the `companion setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml: bot name,
default personality, completion endpoint, API key and channels.
The API key goes to the OS keyring or a .env file, never to config.yaml.

Examples:
  companion setup
  companion setup --config ./configs/config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = defaultConfigPath
			}
			_, err := runInteractiveSetup(path)
			return err
		},
	}
}

// setupAnswers holds the wizard answers as the form edits them.
type setupAnswers struct {
	name        string
	prompt      string
	model       string
	apiURL      string
	temperature string

	apiKey     string
	keyStorage string

	channels      []string
	telegramToken string
	discordToken  string

	gateway bool
}

// runInteractiveSetup runs the wizard and writes the config to path.
func runInteractiveSetup(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
			Value(&overwrite).
			Run(); err != nil {
			return "", err
		}
		if !overwrite {
			return "", oops.With("path", path).Errorf("setup cancelled: config already exists")
		}
	}

	cfg := copilot.DefaultConfig()
	def := cfg.Personalities[persona.DefaultID]
	a := setupAnswers{
		name:        cfg.Name,
		prompt:      def.Prompt,
		model:       def.Model,
		apiURL:      def.APIURL,
		temperature: strconv.FormatFloat(def.Temperature, 'f', -1, 64),
		keyStorage:  keyStorageKeyring,
		channels:    []string{"telegram"},
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Value(&a.name).
				Validate(required("bot name")),
			huh.NewText().
				Title("Default personality prompt").
				Description("The system prompt sent first in every request.").
				Value(&a.prompt).
				Validate(required("prompt")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Completion endpoint").
				Description("Full OpenAI-compatible chat-completions URL.").
				Value(&a.apiURL).
				Validate(validURL),
			huh.NewInput().
				Title("Model").
				Value(&a.model).
				Validate(required("model")),
			huh.NewInput().
				Title("Temperature").
				Value(&a.temperature).
				Validate(validTemperature),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Leave empty to set it later with 'companion config set-key'.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
			huh.NewSelect[string]().
				Title("Store the API key in").
				Options(
					huh.NewOption("OS keyring (recommended)", keyStorageKeyring),
					huh.NewOption(".env file ("+copilot.EnvAPIKey+")", keyStorageEnvFile),
					huh.NewOption("Nowhere, I will export "+copilot.EnvAPIKey+" myself", keyStorageSkip),
				).
				Value(&a.keyStorage),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("WhatsApp (pairs by QR code on first start)", "whatsapp"),
				).
				Value(&a.channels),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&a.telegramToken),
		).WithHideFunc(func() bool { return !pie.Contains(a.channels, "telegram") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&a.discordToken),
		).WithHideFunc(func() bool { return !pie.Contains(a.channels, "discord") }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the local status API on " + cfg.Gateway.Address + "?").
				Value(&a.gateway),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", oops.Errorf("setup cancelled")
		}
		return "", err
	}

	if err := applySetup(cfg, a); err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := copilot.SaveConfigToFile(cfg, path); err != nil {
		return "", err
	}

	fmt.Printf("\nConfig written to %s\n", path)
	fmt.Println("Start the bot with: companion serve")
	return path, nil
}

// applySetup copies the answers into cfg and stores the secrets.
func applySetup(cfg *copilot.Config, a setupAnswers) error {
	temperature, err := strconv.ParseFloat(strings.TrimSpace(a.temperature), 64)
	if err != nil {
		return oops.Errorf("invalid temperature %q", a.temperature)
	}

	cfg.Name = strings.TrimSpace(a.name)
	cfg.API.AppName = cfg.Name
	cfg.Personalities = map[string]persona.Personality{
		persona.DefaultID: {
			Prompt:      strings.TrimSpace(a.prompt),
			Model:       strings.TrimSpace(a.model),
			APIURL:      strings.TrimSpace(a.apiURL),
			Temperature: temperature,
		},
	}
	cfg.DefaultPersonality = persona.DefaultID

	cfg.Channels.Telegram.Enabled = pie.Contains(a.channels, "telegram")
	cfg.Channels.Discord.Enabled = pie.Contains(a.channels, "discord")
	cfg.Channels.WhatsApp.Enabled = pie.Contains(a.channels, "whatsapp")
	cfg.Channels.Telegram.Token = strings.TrimSpace(a.telegramToken)
	cfg.Channels.Discord.Token = strings.TrimSpace(a.discordToken)
	cfg.Gateway.Enabled = a.gateway

	// config.yaml never holds the real key.
	cfg.API.APIKey = ""
	if a.apiKey == "" {
		return nil
	}
	switch a.keyStorage {
	case keyStorageKeyring:
		if err := copilot.StoreKeyring(copilot.KeyringAPIKey, a.apiKey); err != nil {
			return oops.Errorf("storing API key in the OS keyring: %w", err)
		}
		fmt.Println("API key stored in the OS keyring.")
	case keyStorageEnvFile:
		env, _ := godotenv.Read(".env")
		if env == nil {
			env = make(map[string]string)
		}
		env[copilot.EnvAPIKey] = a.apiKey
		if err := godotenv.Write(env, ".env"); err != nil {
			return oops.Errorf("writing .env: %w", err)
		}
		if err := os.Chmod(".env", 0o600); err != nil {
			return oops.Errorf("restricting .env permissions: %w", err)
		}
		cfg.API.APIKey = "${" + copilot.EnvAPIKey + "}"
		fmt.Println("API key written to .env.")
	default:
		cfg.API.APIKey = "${" + copilot.EnvAPIKey + "}"
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("enter a full URL, e.g. https://openrouter.ai/api/v1/chat/completions")
	}
	return nil
}

func validTemperature(s string) error {
	t, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || t < 0 || t > 2 {
		return errors.New("temperature must be a number between 0 and 2")
	}
	return nil
}
