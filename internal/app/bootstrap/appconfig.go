// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables (KEYHUB_*), configuration
// files, or command-line flags (loaded in LoadConfig). WAFFLE's CoreConfig
// covers the framework-level settings (ports, TLS, logging level).
type AppConfig struct {
	// MongoDB connection configuration
	MongoURI         string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64
	MongoMinPoolSize uint64

	// Master key for the credential vault. Exactly one source must be set:
	// VaultKey (standard base64 of 32 random bytes) or VaultPassphrase with
	// VaultSalt (PBKDF2-SHA256, VaultKDFIterations rounds).
	VaultKey           string
	VaultPassphrase    string
	VaultSalt          string
	VaultKDFIterations int

	// Audit logging: "all", "db", "log" or "off"
	AuditLogAdmin    string
	AuditLogSecurity string

	// KeySweepInterval is how often orphaned keys are deleted. 0 disables the sweeper.
	KeySweepInterval time.Duration
}
