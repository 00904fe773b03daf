package response

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
)

// Builder assembles resource and outcome envelopes.
type Builder struct {
	rewriter domain.AttachmentRewriter
	logger   *slog.Logger
}

// NewBuilder creates a builder. A nil rewriter leaves attachments untouched.
func NewBuilder(rewriter domain.AttachmentRewriter, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{rewriter: rewriter, logger: logger}
}

// Envelope builds the envelope for an (outcome, resource) pair. Attachment
// references are rewritten with the repository of the AuthContext carried by
// ctx, so generated URLs only cover binaries the caller may read.
func (b *Builder) Envelope(ctx context.Context, o outcome.OperationOutcome, resource *domain.Resource) (Envelope, error) {
	if resource == nil {
		return OutcomeEnvelope(o), nil
	}

	env := Envelope{Status: outcome.Status(o), Header: http.Header{}}

	if meta := resource.Meta; meta != nil {
		if meta.VersionID != "" {
			env.Header.Set("ETag", `"`+meta.VersionID+`"`)
		}
		if meta.LastUpdated != nil {
			env.Header.Set("Last-Modified", meta.LastUpdated.UTC().Format(http.TimeFormat))
		}
	}
	if outcome.IsCreated(o) && resource.ID != "" {
		env.Header.Set("Location", resource.ResourceType+"/"+resource.ID)
	}

	body := resource
	if b.rewriter != nil {
		var repo domain.Repository
		if auth, ok := domain.AuthContextFrom(ctx); ok {
			repo = auth.Repository
		}
		rewritten, err := b.rewriter.Rewrite(ctx, domain.RewritePresignedURL, repo, resource)
		if err != nil {
			b.logger.Warn("Attachment rewrite failed", "resource", resource.Ref(), "error", err)
			return Envelope{}, fmt.Errorf("rewrite attachments: %w", err)
		}
		body = rewritten
	}
	env.Body = body

	return env, nil
}

// SendResponse writes an (outcome, resource) pair.
func (b *Builder) SendResponse(ctx context.Context, wr *Writer, o outcome.OperationOutcome, resource *domain.Resource) error {
	env, err := b.Envelope(ctx, o, resource)
	if err != nil {
		return err
	}
	return wr.Write(env)
}

// SendOutcome writes an outcome-only response.
func (b *Builder) SendOutcome(wr *Writer, o outcome.OperationOutcome) error {
	return wr.Write(OutcomeEnvelope(o))
}

// SendJSON writes an arbitrary JSON document with the given status.
func (b *Builder) SendJSON(wr *Writer, status int, body any) error {
	return wr.Write(Envelope{Status: status, Body: body})
}

// OutcomeEnvelope wraps an outcome as its own response body.
func OutcomeEnvelope(o outcome.OperationOutcome) Envelope {
	return Envelope{Status: outcome.Status(o), Header: http.Header{}, Body: o}
}
