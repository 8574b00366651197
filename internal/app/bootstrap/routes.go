// internal/app/bootstrap/routes.go
package bootstrap

import (
	"errors"
	"net/http"

	healthfeature "github.com/dalemusser/keyhub/internal/app/features/health"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler for this WAFFLE app.
//
// keyhub is a backend core: its product API is mounted by the embedding
// service. Only the health endpoint is served here, for load balancers
// and orchestrators.
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	svc := CurrentServices()
	if svc == nil {
		return nil, errors.New("bootstrap: BuildHandler called before Startup")
	}

	r := chi.NewRouter()

	healthHandler := healthfeature.NewHandler(deps.MongoClient, svc.Vault, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	return r, nil
}
