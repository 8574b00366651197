// internal/domain/models/integrationauth.go
package models

import (
	"sort"
	"time"

	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Supported integrations. The set is closed; records naming anything else
// are rejected before they reach storage.
const (
	IntegrationAzureKeyVault     = "azure-key-vault"
	IntegrationAWSParameterStore = "aws-parameter-store"
	IntegrationAWSSecretManager  = "aws-secret-manager"
	IntegrationHeroku            = "heroku"
	IntegrationVercel            = "vercel"
	IntegrationNetlify           = "netlify"
	IntegrationGitHub            = "github"
	IntegrationGitLab            = "gitlab"
	IntegrationRender            = "render"
	IntegrationRailway           = "railway"
	IntegrationFlyio             = "flyio"
	IntegrationCircleCI          = "circleci"
	IntegrationTravisCI          = "travisci"
	IntegrationSupabase          = "supabase"
)

var integrations = map[string]struct{}{
	IntegrationAzureKeyVault:     {},
	IntegrationAWSParameterStore: {},
	IntegrationAWSSecretManager:  {},
	IntegrationHeroku:            {},
	IntegrationVercel:            {},
	IntegrationNetlify:           {},
	IntegrationGitHub:            {},
	IntegrationGitLab:            {},
	IntegrationRender:            {},
	IntegrationRailway:           {},
	IntegrationFlyio:             {},
	IntegrationCircleCI:          {},
	IntegrationTravisCI:          {},
	IntegrationSupabase:          {},
}

// ValidIntegration reports whether name is a supported integration.
func ValidIntegration(name string) bool {
	_, ok := integrations[name]
	return ok
}

// IntegrationAuth holds the sealed credentials one workspace uses to talk to
// one provider.
//
// Refresh, AccessID and Access are independent slots: nil means absent,
// otherwise the slot is a complete ciphertext/iv/tag triple. The slots and
// AccessExpiresAt are excluded from default reads (see SecretFields).
type IntegrationAuth struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	WorkspaceID primitive.ObjectID `bson:"workspace_id" json:"workspace_id"`
	Integration string             `bson:"integration" json:"integration"`

	TeamID    string `bson:"team_id,omitempty" json:"team_id,omitempty"`       // vercel
	AccountID string `bson:"account_id,omitempty" json:"account_id,omitempty"` // netlify

	Algorithm   string         `bson:"algorithm" json:"algorithm"`
	KeyEncoding vault.Encoding `bson:"key_encoding" json:"key_encoding"`

	Refresh  *vault.Sealed `bson:"refresh,omitempty" json:"-"`
	AccessID *vault.Sealed `bson:"access_id,omitempty" json:"-"`
	Access   *vault.Sealed `bson:"access,omitempty" json:"-"`

	AccessExpiresAt *time.Time `bson:"access_expires_at,omitempty" json:"-"`

	// Version increments on every credential write; writers pass the version
	// they read so concurrent token refreshes cannot silently overwrite each other.
	Version int64 `bson:"version" json:"version"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Credential slot field names.
const (
	SlotRefresh  = "refresh"
	SlotAccessID = "access_id"
	SlotAccess   = "access"
)

// SecretFields lists the fields a read must request explicitly.
var SecretFields = []string{SlotRefresh, SlotAccessID, SlotAccess, "access_expires_at"}

// Validate checks the structural invariants of a record about to be written.
func (a IntegrationAuth) Validate() error {
	if !ValidIntegration(a.Integration) {
		return ErrUnknownIntegration
	}
	if a.Algorithm != vault.Algorithm {
		return ErrUnknownAlgorithm
	}
	if !a.KeyEncoding.Valid() {
		return vault.ErrUnknownEncoding
	}
	for _, s := range []*vault.Sealed{a.Refresh, a.AccessID, a.Access} {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Integrations returns the supported integration names in sorted order.
func Integrations() []string {
	names := make([]string, 0, len(integrations))
	for name := range integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
