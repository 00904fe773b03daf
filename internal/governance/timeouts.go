package governance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds collaborator work for one request.
const DefaultRequestTimeout = 30 * time.Second

// TimeoutConfig defines timeout behaviour for requests.
type TimeoutConfig struct {
	// RequestTimeout is the maximum duration of the collaborator calls made
	// for one request. It applies even after the client has gone away.
	RequestTimeout time.Duration
}

// TimeoutManager enforces timeout policies on requests.
type TimeoutManager struct {
	config atomic.Pointer[TimeoutConfig]
}

// NewTimeoutManager creates a timeout manager. A non-positive timeout selects
// DefaultRequestTimeout.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	tm := &TimeoutManager{}
	tm.config.Store(&config)
	return tm
}

// Config returns a copy of the current configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return *tm.config.Load()
}

// Configure replaces the configuration atomically.
func (tm *TimeoutManager) Configure(config TimeoutConfig) error {
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	tm.config.Store(&config)
	return nil
}

// WithRequestTimeout detaches ctx from its parent's cancellation and bounds
// it with the request timeout. Values such as the trace span and auth
// context are kept.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), tm.config.Load().RequestTimeout)
}
