package policy

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/telemetry"
)

// Repository decorates a domain.Repository, authorising every call for one
// subject before delegating.
type Repository struct {
	next    domain.Repository
	filter  Filter
	subject Subject
	mode    Mode
	logger  *slog.Logger
}

var _ domain.Repository = (*Repository)(nil)

// NewRepository guards next with filter for subject.
func NewRepository(next domain.Repository, filter Filter, subject Subject, mode Mode, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeFailClosed
	}
	return &Repository{next: next, filter: filter, subject: subject, mode: mode, logger: logger}
}

// Authorize evaluates one interaction and returns a forbidden outcome error
// when it is denied.
func (r *Repository) Authorize(ctx context.Context, interaction, resourceType string) error {
	decision, err := r.filter.Evaluate(ctx, Input{
		Subject:      r.subject,
		Interaction:  interaction,
		ResourceType: resourceType,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "Policy evaluation failed", "error", err, "mode", r.mode)
		decision = r.mode.onError()
	}

	telemetry.RecordAccessDecision(ctx, trace.SpanFromContext(ctx), decision.Allowed(), interaction, resourceType, decision.Reason)
	if decision.Allowed() {
		return nil
	}

	r.logger.InfoContext(ctx, "Access denied",
		"actor", r.subject.Actor,
		"interaction", interaction,
		"resource_type", resourceType,
		"reason", decision.Reason,
	)
	o := outcome.Forbidden()
	o.Issue[0].Diagnostics = decision.Reason
	return outcome.NewError(o)
}

func (r *Repository) CreateResource(ctx context.Context, resource *domain.Resource) (*domain.Resource, error) {
	if err := r.Authorize(ctx, InteractionCreate, resource.ResourceType); err != nil {
		return nil, err
	}
	return r.next.CreateResource(ctx, resource)
}

func (r *Repository) ReadResource(ctx context.Context, resourceType, id string) (*domain.Resource, error) {
	if err := r.Authorize(ctx, InteractionRead, resourceType); err != nil {
		return nil, err
	}
	return r.next.ReadResource(ctx, resourceType, id)
}

func (r *Repository) ReadVersion(ctx context.Context, resourceType, id, versionID string) (*domain.Resource, error) {
	if err := r.Authorize(ctx, InteractionVRead, resourceType); err != nil {
		return nil, err
	}
	return r.next.ReadVersion(ctx, resourceType, id, versionID)
}

func (r *Repository) UpdateResource(ctx context.Context, resource *domain.Resource, ifMatch string) (*domain.Resource, error) {
	if err := r.Authorize(ctx, InteractionUpdate, resource.ResourceType); err != nil {
		return nil, err
	}
	return r.next.UpdateResource(ctx, resource, ifMatch)
}

func (r *Repository) DeleteResource(ctx context.Context, resourceType, id string) error {
	if err := r.Authorize(ctx, InteractionDelete, resourceType); err != nil {
		return err
	}
	return r.next.DeleteResource(ctx, resourceType, id)
}

func (r *Repository) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error) {
	if err := r.Authorize(ctx, InteractionSearch, req.ResourceType); err != nil {
		return nil, err
	}
	return r.next.Search(ctx, req)
}

func (r *Repository) ReadHistory(ctx context.Context, req domain.HistoryRequest) ([]*domain.Resource, error) {
	if err := r.Authorize(ctx, InteractionHistory, req.ResourceType); err != nil {
		return nil, err
	}
	return r.next.ReadHistory(ctx, req)
}

func (r *Repository) Reindex(ctx context.Context, resourceType, id string) error {
	if err := r.Authorize(ctx, InteractionReindex, resourceType); err != nil {
		return err
	}
	return r.next.Reindex(ctx, resourceType, id)
}

func (r *Repository) ResendSubscriptions(ctx context.Context, resourceType, id string) error {
	if err := r.Authorize(ctx, InteractionResend, resourceType); err != nil {
		return err
	}
	return r.next.ResendSubscriptions(ctx, resourceType, id)
}

func (r *Repository) Expunge(ctx context.Context, resourceType, id string) error {
	if err := r.Authorize(ctx, InteractionExpunge, resourceType); err != nil {
		return err
	}
	return r.next.Expunge(ctx, resourceType, id)
}
