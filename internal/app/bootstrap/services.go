// internal/app/bootstrap/services.go
package bootstrap

import (
	"fmt"

	"github.com/dalemusser/keyhub/internal/app/policy/membershippolicy"
	"github.com/dalemusser/keyhub/internal/app/store/audit"
	integrationauthstore "github.com/dalemusser/keyhub/internal/app/store/integrationauths"
	keystore "github.com/dalemusser/keyhub/internal/app/store/keys"
	membershipstore "github.com/dalemusser/keyhub/internal/app/store/memberships"
	workspacestore "github.com/dalemusser/keyhub/internal/app/store/workspaces"
	"github.com/dalemusser/keyhub/internal/app/system/auditlog"
	"github.com/dalemusser/keyhub/internal/app/system/credentials"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/app/system/members"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.uber.org/zap"
)

// Services is the wired object graph an embedding API layer calls into.
type Services struct {
	Vault        *vault.Vault
	Sink         errreport.Sink
	Audit        *auditlog.Logger
	Keys         *keystore.Store
	Memberships  *membershipstore.Store
	Workspaces   *workspacestore.Store
	Integrations *integrationauthstore.Store
	Authorizer   *membershippolicy.Authorizer
	Members      *members.Service
	Credentials  *credentials.Service
}

// buildVault creates the vault from whichever key source is configured.
func buildVault(appCfg AppConfig) (*vault.Vault, error) {
	if appCfg.VaultKey != "" {
		v, err := vault.FromBase64(appCfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("vault_key: %w", err)
		}
		return v, nil
	}
	v, err := vault.FromPassphrase(appCfg.VaultPassphrase, []byte(appCfg.VaultSalt), appCfg.VaultKDFIterations)
	if err != nil {
		return nil, fmt.Errorf("vault_passphrase: %w", err)
	}
	return v, nil
}

// NewServices builds every store and service on deps.
func NewServices(appCfg AppConfig, deps DBDeps, logger *zap.Logger) (*Services, error) {
	v, err := buildVault(appCfg)
	if err != nil {
		return nil, err
	}

	db := deps.MongoDatabase
	sink := errreport.NewZapSink(logger)
	al := auditlog.New(audit.New(db), logger, auditlog.Config{
		Admin:    appCfg.AuditLogAdmin,
		Security: appCfg.AuditLogSecurity,
	})

	ms := membershipstore.New(db, sink, logger)
	authz := membershippolicy.New(ms)
	ias := integrationauthstore.New(db, sink)

	return &Services{
		Vault:        v,
		Sink:         sink,
		Audit:        al,
		Keys:         keystore.New(db),
		Memberships:  ms,
		Workspaces:   workspacestore.New(db, sink, logger),
		Integrations: ias,
		Authorizer:   authz,
		Members:      members.New(ms, authz, al, logger),
		Credentials:  credentials.New(ias, v, al, logger),
	}, nil
}
