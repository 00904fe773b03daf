package domain

import "github.com/polisai/polis-fhir/pkg/outcome"

// DispatchResult is what a handler produces: an outcome, optionally followed
// by a resource. Its length is always 1 or 2.
type DispatchResult struct {
	outcome  outcome.OperationOutcome
	resource *Resource
}

// OutcomeOnly builds a one-element result.
func OutcomeOnly(o outcome.OperationOutcome) DispatchResult {
	return DispatchResult{outcome: o}
}

// WithResource builds a two-element result. A nil resource yields a
// one-element result.
func WithResource(o outcome.OperationOutcome, r *Resource) DispatchResult {
	return DispatchResult{outcome: o, resource: r}
}

// Outcome returns the first element.
func (d DispatchResult) Outcome() outcome.OperationOutcome { return d.outcome }

// Resource returns the second element, if present.
func (d DispatchResult) Resource() (*Resource, bool) { return d.resource, d.resource != nil }

// Len returns 1 or 2.
func (d DispatchResult) Len() int {
	if d.resource != nil {
		return 2
	}
	return 1
}
