// Package errreport is the observability sink that stores and services report
// infrastructure faults into.
//
// A Sink is passed to each store at construction. Reporting is fire-and-forget:
// it never blocks the caller for long and never changes control flow. Domain
// outcomes such as "not a member" are never reported here.
package errreport

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStoreFailure matches every error produced by StoreFailure.
var ErrStoreFailure = errors.New("store failure")

// Sink receives infrastructure faults.
type Sink interface {
	Report(ctx context.Context, err error, fields ...zap.Field)
}

// ZapSink reports faults as structured error logs, each tagged with a fresh
// incident ID so a surfaced failure can be matched to its log line.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink creates a sink that writes to logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{log: logger}
}

// Report implements Sink.
func (s *ZapSink) Report(ctx context.Context, err error, fields ...zap.Field) {
	if s == nil || s.log == nil || err == nil {
		return
	}
	fs := make([]zap.Field, 0, len(fields)+2)
	fs = append(fs, zap.String("incident_id", uuid.NewString()), zap.Error(err))
	fs = append(fs, fields...)
	s.log.Error("reported fault", fs...)
}

// NopSink discards reports.
type NopSink struct{}

// Report implements Sink.
func (NopSink) Report(context.Context, error, ...zap.Field) {}

// storeError hides the driver error from callers. The cause was already
// handed to the sink.
type storeError struct {
	op string
}

func (e *storeError) Error() string { return "failed to " + e.op }

func (e *storeError) Is(target error) bool { return target == ErrStoreFailure }

// StoreFailure reports err to sink and returns a generic failure for op
// (e.g. "find membership"). The returned error matches ErrStoreFailure and
// does not unwrap to err.
func StoreFailure(ctx context.Context, sink Sink, op string, err error, fields ...zap.Field) error {
	if sink != nil {
		fields = append(fields, zap.String("op", op))
		sink.Report(ctx, err, fields...)
	}
	return &storeError{op: op}
}
