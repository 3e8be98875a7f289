// Package copilot – loader.go builds the Config from defaults, an optional
// YAML file, .env files and the process environment.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfig builds the configuration. path may be empty, in which case
// only defaults and the environment apply.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVarsWithValidation(string(data))
		if err != nil {
			return nil, fmt.Errorf("expanding environment variables: %w", err)
		}
		if cfg, err = ParseConfig([]byte(expanded)); err != nil {
			return nil, err
		}
	}

	// The flat environment surface (VERIFY_TOKEN, WABA_TOKEN, ...) wins
	// over the file.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if path != "" {
		resolveRelativePaths(cfg, path)
		checkFilePermissions(path)
	}

	cfg = cfg.Effective()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// Absent booleans unmarshal as false; keep the converters on unless
	// they are switched off explicitly.
	defaults := DefaultMediaConfig()
	mediaMap, _ := raw["media"].(map[string]any)
	if _, set := mediaMap["vision_enabled"]; !set {
		cfg.Media.VisionEnabled = defaults.VisionEnabled
	}
	if _, set := mediaMap["transcription_enabled"]; !set {
		cfg.Media.TranscriptionEnabled = defaults.TranscriptionEnabled
	}
	retention, _ := raw["retention"].(map[string]any)
	if _, set := retention["enabled"]; !set {
		cfg.Retention.Enabled = DefaultConfig().Retention.Enabled
	}

	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"waba.yaml",
		"waba.yml",
		"configs/config.yaml",
		"configs/waba.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets written in plain text in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	check := func(field, value, envVar string) {
		if looksLikeRealKey(value) {
			logger.Warn("secret appears to be hardcoded in config",
				"field", field,
				"hint", fmt.Sprintf("use '${%s}' or `waba keys set`", envVar))
		}
	}
	check("api.api_key", cfg.API.APIKey, "OPENAI_API_KEY")
	check("whatsapp.access_token", cfg.WhatsApp.AccessToken, "WABA_TOKEN")
	check("whatsapp.app_secret", cfg.WhatsApp.AppSecret, "WABA_APP_SECRET")
	check("gateway.auth_token", cfg.Gateway.AuthToken, "WABA_ADMIN_TOKEN")
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory. godotenv does
// not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load env file", "path", f, "error", err)
			}
		}
	}
}

// expandEnvVars replaces environment variable references in input. An unset
// ${VAR:?msg} becomes an "ERROR:VAR:msg" marker picked up by
// expandEnvVarsWithValidation; other unset references are kept as-is.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(varName); ok {
			return v
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	msg := rest[colon+1:]
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", rest[:colon], msg)
}

// resolveRelativePaths anchors relative file paths at the config file's
// directory so the bridge behaves the same from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	if p := cfg.Database.SQLite.Path; p != "" && p != ":memory:" {
		cfg.Database.SQLite.Path = resolvePathFromConfig(p, dir)
	}
}

// resolvePathFromConfig converts a path to absolute, resolving relative
// paths against configDir. Expands ~ to the home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real
// credential rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	// OpenAI keys start with "sk-", Graph tokens with "EAA".
	if strings.HasPrefix(s, "sk-") || strings.HasPrefix(s, "EAA") {
		return true
	}
	return len(s) > 20
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
