// internal/app/bootstrap/config.go
package bootstrap

import (
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// appConfigKeys defines the configuration keys for keyhub.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, vault_key, etc.
//   - Environment variables: KEYHUB_MONGO_URI, KEYHUB_VAULT_KEY, etc.
//   - Command-line flags: --mongo_uri, --vault_key, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI"},
	{Name: "mongo_database", Default: "keyhub", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	// Credential vault master key
	{Name: "vault_key", Default: "", Desc: "Base64-encoded 32-byte vault key"},
	{Name: "vault_passphrase", Default: "", Desc: "Passphrase to derive the vault key from (alternative to vault_key)"},
	{Name: "vault_salt", Default: "", Desc: "Salt for vault_passphrase (at least 16 bytes)"},
	{Name: "vault_kdf_iterations", Default: 600000, Desc: "PBKDF2 iterations for vault_passphrase"},

	// Audit logging settings
	{Name: "audit_log_admin", Default: "all", Desc: "Admin event logging: 'all' (db+log), 'db', 'log', or 'off'"},
	{Name: "audit_log_security", Default: "all", Desc: "Security event logging: 'all' (db+log), 'db', 'log', or 'off'"},

	// Background work
	{Name: "key_sweep_interval", Default: "10m", Desc: "How often to delete orphaned keys (0 disables)"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig handles .env files, config files,
// environment variables (WAFFLE_* for core, KEYHUB_* for app) and flags,
// merged with precedence flags > env > files > defaults.
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "KEYHUB", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		VaultKey:           appValues.String("vault_key"),
		VaultPassphrase:    appValues.String("vault_passphrase"),
		VaultSalt:          appValues.String("vault_salt"),
		VaultKDFIterations: appValues.Int("vault_kdf_iterations"),

		AuditLogAdmin:    appValues.String("audit_log_admin"),
		AuditLogSecurity: appValues.String("audit_log_security"),

		KeySweepInterval: appValues.Duration("key_sweep_interval", 10*time.Minute),
	}

	return coreCfg, appCfg, nil
}

var (
	errNoVaultKey      = errors.New("one of vault_key or vault_passphrase must be set")
	errTwoVaultKeys    = errors.New("vault_key and vault_passphrase are mutually exclusive")
	errVaultSaltNeeded = errors.New("vault_passphrase requires vault_salt")
)

// ValidateConfig performs app-specific config validation.
//
// keyhub validates the MongoDB URI format, the vault key source and the
// audit settings, so misconfiguration aborts startup before any connection
// is attempted.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
		logger.Error("invalid MongoDB URI", zap.Error(err))
		return fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	switch {
	case appCfg.VaultKey == "" && appCfg.VaultPassphrase == "":
		return errNoVaultKey
	case appCfg.VaultKey != "" && appCfg.VaultPassphrase != "":
		return errTwoVaultKeys
	case appCfg.VaultPassphrase != "" && appCfg.VaultSalt == "":
		return errVaultSaltNeeded
	}

	for name, v := range map[string]string{
		"audit_log_admin":    appCfg.AuditLogAdmin,
		"audit_log_security": appCfg.AuditLogSecurity,
	} {
		switch v {
		case "all", "db", "log", "off":
		default:
			return fmt.Errorf("%s must be 'all', 'db', 'log' or 'off', got %q", name, v)
		}
	}

	if appCfg.KeySweepInterval < 0 {
		return fmt.Errorf("key_sweep_interval must not be negative")
	}
	return nil
}
