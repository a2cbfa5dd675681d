package config

import (
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Exchange credentials resolve in this order:
//  1. already present in the loaded config (file or env)
//  2. Vault KV v2, when VAULT_ADDR is set
//
// Missing credentials are only fatal in production mode; Validate enforces
// that after resolution.

const (
	vaultSecretPath  = "secret/data/coinflux/exchange"
	vaultKeyField    = "key"
	vaultSecretField = "secret"
)

// ResolveSecrets fills in exchange credentials that were not supplied via
// config file or environment.
func ResolveSecrets(cfg *Config) error {
	if cfg.Exchange.Key != "" && cfg.Exchange.Secret != "" {
		return nil
	}

	if os.Getenv("VAULT_ADDR") == "" {
		log.Debug().Msg("No Vault address configured, skipping Vault secret resolution")
		return nil
	}

	key, secret, err := readVaultCredentials()
	if err != nil {
		return fmt.Errorf("vault secret resolution failed: %w", err)
	}

	if cfg.Exchange.Key == "" {
		cfg.Exchange.Key = key
	}
	if cfg.Exchange.Secret == "" {
		cfg.Exchange.Secret = secret
	}

	log.Info().Msg("Exchange credentials resolved from Vault")
	return nil
}

// readVaultCredentials reads the exchange key/secret from Vault KV v2.
// VAULT_ADDR and VAULT_TOKEN come from the environment, as the Vault client
// expects.
func readVaultCredentials() (string, string, error) {
	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return "", "", fmt.Errorf("failed to create vault client: %w", err)
	}

	sec, err := client.Logical().Read(vaultSecretPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", vaultSecretPath, err)
	}
	if sec == nil || sec.Data == nil {
		return "", "", fmt.Errorf("no secret at %s", vaultSecretPath)
	}

	// KV v2 nests the payload under "data".
	data, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("unexpected secret shape at %s", vaultSecretPath)
	}

	key, _ := data[vaultKeyField].(string)
	secret, _ := data[vaultSecretField].(string)
	if key == "" || secret == "" {
		return "", "", fmt.Errorf("secret at %s is missing %q or %q", vaultSecretPath, vaultKeyField, vaultSecretField)
	}

	return key, secret, nil
}
