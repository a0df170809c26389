// Package copilot – loader.go handles loading configuration from YAML files
// with credential resolution via environment variables and .env files.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// API key environment variables, in lookup order.
const (
	EnvAPIKey           = "COMPANION_API_KEY"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads, parses and validates a YAML configuration file.
// .env files are loaded first and ${VAR} references are expanded.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.With("path", path).Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}

	resolveSecrets(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}

	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	// Inline personalities replace the built-in default rather than merge
	// with it, so clear the map before decoding when the file declares any.
	var probe struct {
		Personalities map[string]any `yaml:"personalities"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}
	if len(probe.Personalities) > 0 {
		cfg.Personalities = nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, oops.Errorf("failed to map YAML config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return oops.Errorf("failed to validate config: %w", err)
	}

	if _, ok := c.Personalities[c.DefaultPersonality]; !ok && c.PersonalitiesFile == "" {
		return oops.
			With("default_personality", c.DefaultPersonality).
			Errorf("default personality %q is not declared and no personalities_file is set", c.DefaultPersonality)
	}
	if c.Logging.Telegram.Token != "" && c.Logging.Telegram.ChatID == "" {
		return oops.Errorf("logging.telegram.chat_id is required when a token is set")
	}
	return nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
// The API key is replaced with an environment variable reference when it
// came from that variable.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, EnvAPIKey)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return oops.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return oops.With("path", path).Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"companion.yaml",
		"configs/config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns when the API key looks hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use environment variable "+EnvAPIKey+" or the OS keyring instead.",
			"hint", "companion config set-key")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does not overwrite variables that are already set.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with their values.
// Unset variables are left as written.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// resolveSecrets fills the API key from the environment when the config
// value is empty or an unexpanded reference.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	for _, env := range []string{EnvAPIKey, EnvOpenRouterAPIKey} {
		if key := os.Getenv(env); key != "" {
			cfg.API.APIKey = key
			return
		}
	}
}

// sanitizeSecret replaces a secret with an env var reference when the
// variable currently holds that value.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real API key.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
