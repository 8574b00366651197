// internal/app/system/workers/keysweeper.go
package workers

import (
	"context"
	"sync"
	"time"

	keystore "github.com/dalemusser/keyhub/internal/app/store/keys"
	"github.com/dalemusser/keyhub/internal/app/system/auditlog"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// KeySweeper is a background worker that deletes keys whose receiver no
// longer has a membership in the key's workspace. It collects what a
// membership removal left behind when its two writes could not run in one
// transaction.
type KeySweeper struct {
	keys     *keystore.Store
	audit    *auditlog.Logger
	sink     errreport.Sink
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewKeySweeper creates a new orphan key sweeper.
//
// Parameters:
//   - keys: the key store
//   - audit: audit logger for revoked keys (may be nil)
//   - sink: receives sweep failures
//   - logger: zap logger for logging
//   - interval: how often to sweep (e.g., 10 minutes)
func NewKeySweeper(keys *keystore.Store, audit *auditlog.Logger, sink errreport.Sink, logger *zap.Logger, interval time.Duration) *KeySweeper {
	if sink == nil {
		sink = errreport.NopSink{}
	}
	return &KeySweeper{
		keys:     keys,
		audit:    audit,
		sink:     sink,
		log:      logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *KeySweeper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("key sweeper started", zap.Duration("interval", w.interval))
}

// Stop signals the worker to stop and waits for it to finish.
func (w *KeySweeper) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("key sweeper stopped")
}

func (w *KeySweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one reconciliation pass and returns the number of keys deleted.
func (w *KeySweeper) Sweep() int64 {
	ctx, cancel := timeouts.WithTimeout(context.Background(), timeouts.Sweep(), w.log, "orphan key sweep")
	defer cancel()

	count, err := w.keys.DeleteOrphans(ctx)
	if err != nil {
		w.sink.Report(ctx, err, zap.String("op", "sweep orphan keys"))
		return 0
	}

	if count > 0 {
		w.log.Info("deleted orphan keys", zap.Int64("count", count))
		w.audit.KeysRevoked(ctx, nil, count, "orphan sweep")
	}
	return count
}
