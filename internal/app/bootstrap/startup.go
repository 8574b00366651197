// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"
	"sync"

	"github.com/dalemusser/keyhub/internal/app/system/timeouts"
	"github.com/dalemusser/keyhub/internal/app/system/workers"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

var (
	stateMu  sync.Mutex
	services *Services
	sweeper  *workers.KeySweeper
)

// Startup runs one-time application initialization after DB connections and
// schema setup are complete, but before the HTTP handler is built.
//
// keyhub applies timeout overrides, opens the credential vault, wires the
// stores and services, and starts the orphaned-key sweeper when enabled.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if n := timeouts.ConfigureFromEnv(); n > 0 {
		logger.Info("timeout overrides applied", zap.Int("count", n))
	}

	svc, err := NewServices(appCfg, deps, logger)
	if err != nil {
		logger.Error("service wiring failed", zap.Error(err))
		return err
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	services = svc

	if appCfg.KeySweepInterval > 0 {
		sweeper = workers.NewKeySweeper(svc.Keys, svc.Audit, svc.Sink, logger, appCfg.KeySweepInterval)
		sweeper.Start()
	}
	return nil
}

// CurrentServices returns the services wired by Startup, or nil before it runs.
func CurrentServices() *Services {
	stateMu.Lock()
	defer stateMu.Unlock()
	return services
}
