// Package copilot – keyring.go stores credentials in the operating system's
// native keyring (Linux: Secret Service/GNOME Keyring, macOS: Keychain,
// Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. Environment variable (WABA_TOKEN, OPENAI_API_KEY, ...)
//  2. .env file (loaded by godotenv)
//  3. config.yaml value
//  4. OS keyring (only consulted for values still empty)
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "waba"

// Keyring entry names.
const (
	SecretOpenAIKey  = "openai_api_key"
	SecretWABAToken  = "waba_token"
	SecretAppSecret  = "waba_app_secret"
	SecretAdminToken = "admin_token"
	SecretTranscribe = "transcription_api_key"
)

// secretFields maps keyring names to the config fields they fill.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		SecretOpenAIKey:  &cfg.API.APIKey,
		SecretWABAToken:  &cfg.WhatsApp.AccessToken,
		SecretAppSecret:  &cfg.WhatsApp.AppSecret,
		SecretAdminToken: &cfg.Gateway.AuthToken,
		SecretTranscribe: &cfg.Media.TranscriptionAPIKey,
	}
}

// SecretNames lists the names accepted by `waba keys`.
func SecretNames() []string {
	names := make([]string, 0, 5)
	for name := range secretFields(&Config{}) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownSecret is returned for names outside SecretNames.
var ErrUnknownSecret = errors.New("unknown secret name")

// ValidateSecretName checks name against SecretNames.
func ValidateSecretName(name string) error {
	if _, ok := secretFields(&Config{})[name]; !ok {
		return fmt.Errorf("%w %q (known: %v)", ErrUnknownSecret, name, SecretNames())
	}
	return nil
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__waba_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills still-empty or unexpanded secret fields from the OS
// keyring. Missing credentials are only warned about: the bridge still
// answers the webhook handshake without them.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	resolveSecretsWith(cfg, logger, GetKeyring)
}

func resolveSecretsWith(cfg *Config, logger *slog.Logger, lookup func(string) string) {
	for name, field := range secretFields(cfg) {
		if *field != "" && !IsEnvReference(*field) {
			continue
		}
		if v := lookup(name); v != "" {
			*field = v
			logger.Debug("secret loaded from keyring", "name", name)
			continue
		}
		if IsEnvReference(*field) {
			*field = ""
		}
	}

	if cfg.API.APIKey == "" {
		logger.Warn("no LLM API key configured, replies will use the fallback text",
			"hint", "set OPENAI_API_KEY or run `waba keys set openai_api_key`")
	}
	if cfg.WhatsApp.AccessToken == "" {
		logger.Warn("no WhatsApp access token configured, replies will not be delivered",
			"hint", "set WABA_TOKEN or run `waba keys set waba_token`")
	}
}

// ReadPassword reads a secret from the terminal without echo.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
