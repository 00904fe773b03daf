package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-fhir/pkg/domain"
)

const binaryPrefix = "Binary/"

// Rewriter implements domain.AttachmentRewriter.
type Rewriter struct {
	signer *Signer
	logger *slog.Logger
}

var _ domain.AttachmentRewriter = (*Rewriter)(nil)

// NewRewriter creates a rewriter signing with signer.
func NewRewriter(signer *Signer, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{signer: signer, logger: logger}
}

// Rewrite returns a copy of resource in which every object carrying a
// "url" of the form Binary/{id} is rewritten according to mode. Binaries
// repo cannot read are left untouched. The input is never modified.
func (rw *Rewriter) Rewrite(ctx context.Context, mode domain.RewriteMode, repo domain.Repository, resource *domain.Resource) (*domain.Resource, error) {
	if resource == nil {
		return nil, nil
	}
	out := resource.Clone()
	if mode != domain.RewritePresignedURL || repo == nil {
		return out, nil
	}

	readable := map[string]bool{}
	var walkErr error
	canRead := func(id string) bool {
		if ok, seen := readable[id]; seen {
			return ok
		}
		_, err := repo.ReadResource(ctx, "Binary", id)
		switch {
		case err == nil:
			readable[id] = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			walkErr = err
			readable[id] = false
		default:
			rw.logger.DebugContext(ctx, "Attachment not readable", "binary_id", id, "error", err)
			readable[id] = false
		}
		return readable[id]
	}

	for name, v := range out.Fields {
		out.Fields[name] = rw.walk(v, canRead)
	}
	if walkErr != nil {
		return nil, fmt.Errorf("check attachment access: %w", walkErr)
	}
	return out, nil
}

func (rw *Rewriter) walk(v any, canRead func(string) bool) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = rw.walk(child, canRead)
		}
		if u, ok := val["url"].(string); ok && strings.HasPrefix(u, binaryPrefix) {
			if id := strings.TrimPrefix(u, binaryPrefix); id != "" && canRead(id) {
				val["url"] = rw.signer.Presign(id)
			}
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = rw.walk(child, canRead)
		}
		return val
	default:
		return v
	}
}

// Resolver loads binary content by id, first from the binary store and then
// from Binary resources held by the repository.
type Resolver struct {
	binaries domain.BinaryStore
	repo     domain.Repository
}

// NewResolver creates a resolver. Either collaborator may be nil.
func NewResolver(binaries domain.BinaryStore, repo domain.Repository) *Resolver {
	return &Resolver{binaries: binaries, repo: repo}
}

// Resolve returns the content of a binary.
func (r *Resolver) Resolve(ctx context.Context, id string) (*domain.Binary, error) {
	if r.binaries != nil {
		b, err := r.binaries.ReadBinary(ctx, id)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if r.repo == nil {
		return nil, fmt.Errorf("binary %s: %w", id, domain.ErrNotFound)
	}

	res, err := r.repo.ReadResource(ctx, "Binary", id)
	if err != nil {
		return nil, err
	}
	contentType, _ := res.Fields["contentType"].(string)
	encoded, _ := res.Fields["data"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.InvalidError("Binary data is not base64", "data")
	}
	return &domain.Binary{ID: id, ContentType: contentType, Data: data}, nil
}
