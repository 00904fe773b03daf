package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error carries an OperationOutcome through Go error returns so that a single
// translator can turn it into a response.
type Error struct {
	Outcome OperationOutcome
}

// NewError wraps an outcome as an error.
func NewError(o OperationOutcome) *Error {
	return &Error{Outcome: o}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", Classify(e.Outcome), e.Outcome.Text())
}

// Status returns the HTTP status of the wrapped outcome.
func (e *Error) Status() int {
	return Status(e.Outcome)
}

// Normalize converts any error into an OperationOutcome.
func Normalize(err error) OperationOutcome {
	if err == nil {
		return OK()
	}

	var oe *Error
	if errors.As(err, &oe) {
		if len(oe.Outcome.Issue) == 0 {
			return ServerError()
		}
		return oe.Outcome
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return BadRequest("Invalid JSON: " + err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		o := ServerError()
		o.Issue[0].Code = IssueTimeout
		o.Issue[0].Diagnostics = "Request timed out"
		return o
	}

	return ServerError()
}
