package testutil

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RecordingSink is an errreport.Sink that remembers every reported error.
type RecordingSink struct {
	mu   sync.Mutex
	errs []error
}

// Report implements errreport.Sink.
func (s *RecordingSink) Report(_ context.Context, err error, _ ...zap.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Errors returns the reported errors in order.
func (s *RecordingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// Count returns how many errors were reported.
func (s *RecordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}
