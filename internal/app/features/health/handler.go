package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/keyhub/internal/app/system/timeouts"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const probe = "keyhub-health"

// Handler holds dependencies needed for health checks.
type Handler struct {
	Client *mongo.Client
	Vault  *vault.Vault
	Log    *zap.Logger
}

// NewHandler constructs a health Handler with the Mongo client, vault and logger.
func NewHandler(client *mongo.Client, v *vault.Vault, logger *zap.Logger) *Handler {
	return &Handler{
		Client: client,
		Vault:  v,
		Log:    logger,
	}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Vault    string `json:"vault"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "vault":"ok" }
//
// On DB or vault failure: 503 and
//
//	{ "status":"error", "message":"Database unavailable", "error":"…"}
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:   "ok",
		Database: "connected",
		Vault:    "ok",
	}

	if err := h.Client.Ping(ctx, readpref.Primary()); err != nil {
		h.Log.Error("health-check: mongo ping failed", zap.Error(err))
		resp.Status = "error"
		resp.Database = "disconnected"
		resp.Message = "Database unavailable"
		resp.Error = err.Error()
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if err := h.checkVault(); err != nil {
		h.Log.Error("health-check: vault self-check failed", zap.Error(err))
		resp.Status = "error"
		resp.Vault = "failed"
		resp.Message = "Vault unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// checkVault seals and unseals a fixed probe.
func (h *Handler) checkVault() error {
	if h.Vault == nil {
		return errNoVault
	}
	sealed, err := h.Vault.Seal(probe, vault.UTF8)
	if err != nil {
		return err
	}
	plain, err := h.Vault.Unseal(sealed, vault.UTF8)
	if err != nil {
		return err
	}
	if plain != probe {
		return vault.ErrAuthenticationFailure
	}
	return nil
}
