package domain

import "github.com/polisai/polis-fhir/pkg/outcome"

// Common domain errors. Each carries the OperationOutcome it translates to, so
// wrapping them with fmt.Errorf("...: %w") keeps the status mapping intact.
var (
	ErrUnauthenticated = outcome.NewError(outcome.Unauthorized())
	ErrForbidden       = outcome.NewError(outcome.Forbidden())
	ErrNotFound        = outcome.NewError(outcome.NotFound())
	ErrGone            = outcome.NewError(outcome.Gone())
	ErrTooManyRequests = outcome.NewError(outcome.TooManyRequests())
	ErrMultipleMatches = outcome.NewError(outcome.MultipleMatches())
)

// InvalidError builds a bad-request error pointing at an element expression.
func InvalidError(details string, expression ...string) error {
	return outcome.NewError(outcome.BadRequest(details, expression...))
}
