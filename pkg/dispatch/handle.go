package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/telemetry"
)

// Handle owns the process-wide dispatcher. The dispatcher is built on first
// use from a single read of the config provider; concurrent first callers all
// receive the same instance.
type Handle struct {
	once     sync.Once
	provider domain.ConfigProvider
	logger   *slog.Logger
	d        *Dispatcher
}

// NewHandle creates an uninitialised handle.
func NewHandle(provider domain.ConfigProvider, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{provider: provider, logger: logger}
}

// Get returns the dispatcher, constructing it on first call.
func (h *Handle) Get() *Dispatcher {
	h.once.Do(func() {
		settings := h.provider.Settings()
		h.d = New(settings, h.logger)
		telemetry.RecordDispatcherInit(context.Background(), settings.IntrospectionEnabled)
		h.logger.Info("Generic dispatcher initialised", "introspection", settings.IntrospectionEnabled)
	})
	return h.d
}

// HandleRequest forwards to the shared dispatcher.
func (h *Handle) HandleRequest(ctx context.Context, req domain.Request, repo domain.Repository) domain.DispatchResult {
	return h.Get().HandleRequest(ctx, req, repo)
}
