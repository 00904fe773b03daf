// Package response turns dispatch results into HTTP responses.
//
// A response is assembled as an Envelope (status, headers, body), passed
// through an ordered Pipeline of Transformers and serialized exactly once by a
// Writer.
package response

import (
	"net/http"
	"strings"
)

// ContentTypeFHIRJSON is the FHIR JSON media type used when a handler sets
// none.
const ContentTypeFHIRJSON = "application/fhir+json; charset=utf-8"

// Envelope is a response before serialization. A nil Body writes no content.
type Envelope struct {
	Status int
	Header http.Header
	Body   any

	// Suppressed is set by a transformer that dropped the body on purpose.
	Suppressed bool
}

// Transformer rewrites an envelope before it is written.
type Transformer interface {
	Transform(r *http.Request, env *Envelope)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(r *http.Request, env *Envelope)

// Transform implements Transformer.
func (f TransformerFunc) Transform(r *http.Request, env *Envelope) { f(r, env) }

// Pipeline applies transformers in order.
type Pipeline struct {
	stages []Transformer
}

// NewPipeline creates a pipeline from the given stages.
func NewPipeline(stages ...Transformer) *Pipeline {
	return &Pipeline{stages: stages}
}

// DefaultPipeline honours Prefer: return=minimal and defaults the content type.
func DefaultPipeline() *Pipeline {
	return NewPipeline(PreferMinimal(), DefaultContentType(ContentTypeFHIRJSON))
}

// Apply runs every stage against env.
func (p *Pipeline) Apply(r *http.Request, env *Envelope) {
	if p == nil {
		return
	}
	if env.Header == nil {
		env.Header = http.Header{}
	}
	for _, stage := range p.stages {
		stage.Transform(r, env)
	}
}

// PreferMinimal drops the body of successful responses when the client sent
// "Prefer: return=minimal". Status and headers are left untouched. Error
// responses keep their OperationOutcome body.
func PreferMinimal() Transformer {
	return TransformerFunc(func(r *http.Request, env *Envelope) {
		if r == nil || env.Status >= http.StatusBadRequest {
			return
		}
		if PreferredReturn(r.Header) == ReturnMinimal {
			env.Body = nil
			env.Suppressed = true
		}
	})
}

// DefaultContentType sets the content type when none is present. Suppressed
// envelopes are skipped since they carry no representation.
func DefaultContentType(contentType string) Transformer {
	return TransformerFunc(func(_ *http.Request, env *Envelope) {
		if env.Suppressed {
			return
		}
		if env.Header.Get("Content-Type") == "" {
			env.Header.Set("Content-Type", contentType)
		}
	})
}

// Prefer return values.
const (
	ReturnMinimal          = "minimal"
	ReturnRepresentation   = "representation"
	ReturnOperationOutcome = "OperationOutcome"
)

// PreferredReturn extracts the "return" preference from the Prefer headers,
// or "" when absent.
func PreferredReturn(h http.Header) string {
	for _, value := range h.Values("Prefer") {
		for _, pref := range strings.Split(value, ",") {
			for _, token := range strings.Split(pref, ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(token), "=")
				if ok && strings.EqualFold(strings.TrimSpace(k), "return") {
					return strings.Trim(strings.TrimSpace(v), `"`)
				}
			}
		}
	}
	return ""
}
