// Package credentials seals, stores and recovers the tokens a workspace uses
// to reach its third-party integrations.
//
// Plaintext exists only inside this package's calls: it is sealed before it
// reaches the store and unsealed after it leaves it. A sealed slot that fails
// authentication on the way out is audited as a security event and surfaced
// as vault.ErrAuthenticationFailure; no partial plaintext is ever returned.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	integrationauthstore "github.com/dalemusser/keyhub/internal/app/store/integrationauths"
	"github.com/dalemusser/keyhub/internal/app/system/auditlog"
	"github.com/dalemusser/keyhub/internal/app/system/timeouts"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrEmptyToken is returned when an access token rotation carries no token.
// Use Disconnect to remove credentials.
var ErrEmptyToken = errors.New("access token is required")

// Service is the vault consumer for integration credentials.
type Service struct {
	store *integrationauthstore.Store
	vault *vault.Vault
	audit *auditlog.Logger
	log   *zap.Logger
}

// New creates a Service. audit may be nil.
func New(store *integrationauthstore.Store, v *vault.Vault, audit *auditlog.Logger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, vault: v, audit: audit, log: logger}
}

// ConnectInput carries the plaintext credentials for one integration.
// Empty token fields leave their slot absent.
type ConnectInput struct {
	ActorID     *primitive.ObjectID
	WorkspaceID primitive.ObjectID
	Integration string
	TeamID      string
	AccountID   string

	// Encoding defaults to vault.UTF8.
	Encoding vault.Encoding

	RefreshToken    string
	AccessID        string
	AccessToken     string
	AccessExpiresAt *time.Time
}

// Tokens is the unsealed content of an IntegrationAuth.
type Tokens struct {
	ID              primitive.ObjectID
	WorkspaceID     primitive.ObjectID
	Integration     string
	Encoding        vault.Encoding
	RefreshToken    string
	AccessID        string
	AccessToken     string
	AccessExpiresAt *time.Time
	Version         int64
}

func (s *Service) sealOptional(plaintext string, enc vault.Encoding) (*vault.Sealed, error) {
	if plaintext == "" {
		return nil, nil
	}
	sealed, err := s.vault.Seal(plaintext, enc)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

// Connect seals each supplied token independently and stores the result,
// replacing any previous credentials for the same (workspace, integration).
// The returned record carries no secrets.
func (s *Service) Connect(ctx context.Context, in ConnectInput) (models.IntegrationAuth, error) {
	enc := in.Encoding
	if enc == "" {
		enc = vault.UTF8
	}
	if !enc.Valid() {
		return models.IntegrationAuth{}, vault.ErrUnknownEncoding
	}

	a := models.IntegrationAuth{
		WorkspaceID:     in.WorkspaceID,
		Integration:     in.Integration,
		TeamID:          in.TeamID,
		AccountID:       in.AccountID,
		Algorithm:       vault.Algorithm,
		KeyEncoding:     enc,
		AccessExpiresAt: in.AccessExpiresAt,
	}
	var err error
	if a.Refresh, err = s.sealOptional(in.RefreshToken, enc); err != nil {
		return models.IntegrationAuth{}, err
	}
	if a.AccessID, err = s.sealOptional(in.AccessID, enc); err != nil {
		return models.IntegrationAuth{}, err
	}
	if a.Access, err = s.sealOptional(in.AccessToken, enc); err != nil {
		return models.IntegrationAuth{}, err
	}

	saved, err := s.store.Upsert(ctx, a)
	if err != nil {
		return models.IntegrationAuth{}, err
	}
	s.audit.IntegrationConnected(ctx, in.ActorID, saved.WorkspaceID, saved.ID, saved.Integration)
	return saved, nil
}

// Tokens loads the record id with its secrets and unseals every present slot.
func (s *Service) Tokens(ctx context.Context, id primitive.ObjectID) (Tokens, error) {
	a, err := s.store.GetWithSecrets(ctx, id)
	if err != nil {
		return Tokens{}, err
	}

	t := Tokens{
		ID:              a.ID,
		WorkspaceID:     a.WorkspaceID,
		Integration:     a.Integration,
		Encoding:        a.KeyEncoding,
		AccessExpiresAt: a.AccessExpiresAt,
		Version:         a.Version,
	}
	slots := []struct {
		name string
		src  *vault.Sealed
		dst  *string
	}{
		{models.SlotRefresh, a.Refresh, &t.RefreshToken},
		{models.SlotAccessID, a.AccessID, &t.AccessID},
		{models.SlotAccess, a.Access, &t.AccessToken},
	}
	for _, sl := range slots {
		if sl.src == nil {
			continue
		}
		plain, err := s.vault.Unseal(*sl.src, a.KeyEncoding)
		if err != nil {
			if errors.Is(err, vault.ErrAuthenticationFailure) {
				s.log.Warn("sealed credential failed authentication",
					zap.String("integration_auth_id", a.ID.Hex()),
					zap.String("slot", sl.name))
				s.audit.CredentialAuthFailed(ctx, a.WorkspaceID, a.ID, a.Integration, sl.name)
			}
			return Tokens{}, err
		}
		*sl.dst = plain
	}
	return t, nil
}

// SetAccessToken replaces the access token and its expiry, leaving the
// refresh token untouched. It fails with ErrVersionConflict if the record
// changed between the read and the write.
func (s *Service) SetAccessToken(ctx context.Context, id primitive.ObjectID, token string, expiresAt *time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.rotate(ctx, a, a.Version, token, "", expiresAt)
	return err
}

// rotate seals access (and refresh, when non-empty) and writes them with the
// version check. It returns the new version.
func (s *Service) rotate(ctx context.Context, a models.IntegrationAuth, version int64, access, refresh string, expiresAt *time.Time) (int64, error) {
	sealed, err := s.vault.Seal(access, a.KeyEncoding)
	if err != nil {
		return 0, err
	}
	upd := integrationauthstore.SlotUpdate{Access: &sealed}
	if upd.Refresh, err = s.sealOptional(refresh, a.KeyEncoding); err != nil {
		return 0, err
	}
	upd.AccessExpiresAt = expiresAt

	next, err := s.store.UpdateSlots(ctx, a.ID, version, upd)
	if err != nil {
		return 0, err
	}
	s.audit.IntegrationTokenRotated(ctx, a.WorkspaceID, a.ID, a.Integration, upd.Refresh != nil)
	return next, nil
}

// Disconnect deletes the credentials of one integration.
func (s *Service) Disconnect(ctx context.Context, actorID *primitive.ObjectID, id primitive.ObjectID) error {
	a, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.audit.IntegrationRemoved(ctx, actorID, a.WorkspaceID, a.ID, a.Integration)
	return nil
}

// List returns a workspace's integrations without secrets.
func (s *Service) List(ctx context.Context, workspaceID primitive.ObjectID) ([]models.IntegrationAuth, error) {
	return s.store.ListByWorkspace(ctx, workspaceID)
}

// OAuth2Token returns the stored credentials of id as an oauth2 token.
// A record without an expiry yields a token that never expires.
func (s *Service) OAuth2Token(ctx context.Context, id primitive.ObjectID) (*oauth2.Token, error) {
	t, err := s.Tokens(ctx, id)
	if err != nil {
		return nil, err
	}
	return toOAuth2(t), nil
}

func toOAuth2(t Tokens) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
	}
	if t.AccessExpiresAt != nil {
		tok.Expiry = *t.AccessExpiresAt
	}
	return tok
}

// TokenSource returns a token source for id that refreshes through cfg and
// writes every newly issued token back to the store before handing it out.
// As with oauth2.Config.TokenSource, ctx is used for refresh requests and must
// outlive the returned source.
func (s *Service) TokenSource(ctx context.Context, id primitive.ObjectID, cfg *oauth2.Config) (oauth2.TokenSource, error) {
	t, err := s.Tokens(ctx, id)
	if err != nil {
		return nil, err
	}
	tok := toOAuth2(t)

	ref := models.IntegrationAuth{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Integration: t.Integration,
		KeyEncoding: t.Encoding,
	}
	ps := &persistingSource{
		svc:     s,
		auth:    ref,
		version: t.Version,
		base:    cfg.TokenSource(ctx, tok),
		last:    tok,
	}
	return oauth2.ReuseTokenSource(tok, ps), nil
}

// persistingSource stores tokens issued by base.
type persistingSource struct {
	svc  *Service
	base oauth2.TokenSource

	mu      sync.Mutex
	auth    models.IntegrationAuth
	version int64
	last    *oauth2.Token
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == p.last.AccessToken && tok.RefreshToken == p.last.RefreshToken {
		return tok, nil
	}

	ctx, cancel := timeouts.WithTimeout(context.Background(), timeouts.Short(), p.svc.log, "persist refreshed token")
	defer cancel()

	refresh := ""
	if tok.RefreshToken != p.last.RefreshToken {
		refresh = tok.RefreshToken
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}

	next, err := p.svc.rotate(ctx, p.auth, p.version, tok.AccessToken, refresh, expiresAt)
	switch {
	case err == nil:
		p.version = next
	case errors.Is(err, integrationauthstore.ErrVersionConflict):
		// Another writer stored newer credentials; keep theirs and resync.
		p.svc.log.Warn("refreshed token not stored: record changed concurrently",
			zap.String("integration_auth_id", p.auth.ID.Hex()))
		if cur, gerr := p.svc.store.GetByID(ctx, p.auth.ID); gerr == nil {
			p.version = cur.Version
		}
	default:
		return nil, err
	}
	p.last = tok
	return tok, nil
}
