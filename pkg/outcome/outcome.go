// Package outcome models FHIR OperationOutcome resources and classifies them
// into a closed set of result categories that drive HTTP status selection.
package outcome

import "fmt"

// ResourceType is the FHIR resource type of every outcome.
const ResourceType = "OperationOutcome"

// ClassSystem is the coding system used to tag an issue with its result class.
const ClassSystem = "urn:polis-fhir:outcome-class"

// Severity is the FHIR issue severity.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// IssueType is the FHIR issue type code (http://hl7.org/fhir/issue-type).
type IssueType string

const (
	IssueInvalid         IssueType = "invalid"
	IssueStructure       IssueType = "structure"
	IssueRequired        IssueType = "required"
	IssueValue           IssueType = "value"
	IssueInvariant       IssueType = "invariant"
	IssueSecurity        IssueType = "security"
	IssueLogin           IssueType = "login"
	IssueExpired         IssueType = "expired"
	IssueForbidden       IssueType = "forbidden"
	IssueProcessing      IssueType = "processing"
	IssueNotSupported    IssueType = "not-supported"
	IssueDuplicate       IssueType = "duplicate"
	IssueMultipleMatches IssueType = "multiple-matches"
	IssueNotFound        IssueType = "not-found"
	IssueDeleted         IssueType = "deleted"
	IssueBusinessRule    IssueType = "business-rule"
	IssueConflict        IssueType = "conflict"
	IssueTransient       IssueType = "transient"
	IssueLockError       IssueType = "lock-error"
	IssueException       IssueType = "exception"
	IssueTimeout         IssueType = "timeout"
	IssueThrottled       IssueType = "throttled"
	IssueInformational   IssueType = "informational"
)

// Coding is a reference to a code defined by a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a set of codings plus free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Issue is a single problem or informational message.
type Issue struct {
	Severity    Severity         `json:"severity"`
	Code        IssueType        `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// OperationOutcome is a collection of issues describing the result of an action.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Issue        []Issue `json:"issue"`
}

// Text returns a human readable summary of the first issue.
func (o OperationOutcome) Text() string {
	if len(o.Issue) == 0 {
		return ""
	}
	issue := o.Issue[0]
	text := string(issue.Code)
	if issue.Details != nil && issue.Details.Text != "" {
		text = issue.Details.Text
	}
	if issue.Diagnostics != "" {
		text = fmt.Sprintf("%s (%s)", text, issue.Diagnostics)
	}
	return text
}

func tagged(class Class, severity Severity, code IssueType, text string) OperationOutcome {
	return OperationOutcome{
		ResourceType: ResourceType,
		Issue: []Issue{{
			Severity: severity,
			Code:     code,
			Details: &CodeableConcept{
				Coding: []Coding{{System: ClassSystem, Code: string(class)}},
				Text:   text,
			},
		}},
	}
}

// OK is the outcome of a successful interaction.
func OK() OperationOutcome {
	return tagged(ClassOK, SeverityInformation, IssueInformational, "All OK")
}

// Created is the outcome of a successful create.
func Created() OperationOutcome {
	return tagged(ClassCreated, SeverityInformation, IssueInformational, "Created")
}

// Accepted is the outcome of an interaction that continues asynchronously.
func Accepted(text string) OperationOutcome {
	if text == "" {
		text = "Accepted"
	}
	return tagged(ClassAccepted, SeverityInformation, IssueInformational, text)
}

// NotModified is the outcome of a no-op conditional interaction.
func NotModified() OperationOutcome {
	return tagged(ClassNotModified, SeverityInformation, IssueInformational, "Not Modified")
}

// NotFound reports a missing resource.
func NotFound() OperationOutcome {
	return tagged(ClassNotFound, SeverityError, IssueNotFound, "Not found")
}

// Gone reports a deleted resource.
func Gone() OperationOutcome {
	return tagged(ClassGone, SeverityError, IssueDeleted, "Deleted")
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized() OperationOutcome {
	return tagged(ClassUnauthorized, SeverityError, IssueLogin, "Unauthorized")
}

// Forbidden reports an authenticated caller without permission.
func Forbidden() OperationOutcome {
	return tagged(ClassForbidden, SeverityError, IssueForbidden, "Forbidden")
}

// BadRequest reports an invalid request, optionally pointing at the offending element.
func BadRequest(details string, expression ...string) OperationOutcome {
	o := tagged(ClassBadRequest, SeverityError, IssueInvalid, details)
	if len(expression) > 0 {
		o.Issue[0].Expression = expression
	}
	return o
}

// Conflict reports a version or uniqueness conflict.
func Conflict(details string) OperationOutcome {
	return tagged(ClassConflict, SeverityError, IssueConflict, details)
}

// PreconditionFailed reports a failed If-Match or similar precondition.
func PreconditionFailed(details string) OperationOutcome {
	if details == "" {
		details = "Precondition Failed"
	}
	return tagged(ClassPreconditionFailed, SeverityError, IssueProcessing, details)
}

// MultipleMatches reports an ambiguous conditional interaction.
func MultipleMatches() OperationOutcome {
	return tagged(ClassMultipleMatches, SeverityError, IssueMultipleMatches, "Multiple resources found matching condition")
}

// TooManyRequests reports a throttled caller.
func TooManyRequests() OperationOutcome {
	return tagged(ClassTooManyRequests, SeverityError, IssueThrottled, "Too Many Requests")
}

// ServerError reports an unexpected failure. The cause stays with the caller's
// log; clients only see the generic text.
func ServerError() OperationOutcome {
	return tagged(ClassServerError, SeverityError, IssueException, "Internal server error")
}
