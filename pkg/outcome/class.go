package outcome

import "net/http"

// Class is the closed set of result categories an outcome can fall into.
type Class string

const (
	ClassOK                 Class = "ok"
	ClassCreated            Class = "created"
	ClassAccepted           Class = "accepted"
	ClassNotModified        Class = "not-modified"
	ClassBadRequest         Class = "bad-request"
	ClassUnauthorized       Class = "unauthorized"
	ClassForbidden          Class = "forbidden"
	ClassNotFound           Class = "not-found"
	ClassGone               Class = "gone"
	ClassConflict           Class = "conflict"
	ClassPreconditionFailed Class = "precondition-failed"
	ClassMultipleMatches    Class = "multiple-matches"
	ClassTooManyRequests    Class = "too-many-requests"
	ClassServerError        Class = "server-error"
)

var statusByClass = map[Class]int{
	ClassOK:                 http.StatusOK,
	ClassCreated:            http.StatusCreated,
	ClassAccepted:           http.StatusAccepted,
	ClassNotModified:        http.StatusNotModified,
	ClassBadRequest:         http.StatusBadRequest,
	ClassUnauthorized:       http.StatusUnauthorized,
	ClassForbidden:          http.StatusForbidden,
	ClassNotFound:           http.StatusNotFound,
	ClassGone:               http.StatusGone,
	ClassConflict:           http.StatusConflict,
	ClassPreconditionFailed: http.StatusPreconditionFailed,
	ClassMultipleMatches:    http.StatusPreconditionFailed,
	ClassTooManyRequests:    http.StatusTooManyRequests,
	ClassServerError:        http.StatusInternalServerError,
}

var classByIssue = map[IssueType]Class{
	IssueInformational:   ClassOK,
	IssueNotFound:        ClassNotFound,
	IssueDeleted:         ClassGone,
	IssueLogin:           ClassUnauthorized,
	IssueExpired:         ClassUnauthorized,
	IssueForbidden:       ClassForbidden,
	IssueSecurity:        ClassForbidden,
	IssueConflict:        ClassConflict,
	IssueDuplicate:       ClassConflict,
	IssueMultipleMatches: ClassMultipleMatches,
	IssueThrottled:       ClassTooManyRequests,
	IssueException:       ClassServerError,
	IssueTimeout:         ClassServerError,
	IssueTransient:       ClassServerError,
	IssueLockError:       ClassServerError,
}

// Classify derives the result class of an outcome from its issues.
//
// An explicit class tag on the first issue wins. Otherwise the most severe
// issue decides: fatal issues are server errors, error issues map through
// their issue type (unmapped types are bad requests), and outcomes with only
// warnings or information are OK. An outcome without issues is a server error.
func Classify(o OperationOutcome) Class {
	if len(o.Issue) == 0 {
		return ClassServerError
	}
	if class, ok := taggedClass(o.Issue[0]); ok {
		return class
	}

	var worst *Issue
	for i := range o.Issue {
		issue := &o.Issue[i]
		if worst == nil || severityRank(issue.Severity) > severityRank(worst.Severity) {
			worst = issue
		}
	}

	switch worst.Severity {
	case SeverityFatal:
		return ClassServerError
	case SeverityError:
		if class, ok := classByIssue[worst.Code]; ok && class != ClassOK {
			return class
		}
		return ClassBadRequest
	default:
		return ClassOK
	}
}

func taggedClass(issue Issue) (Class, bool) {
	if issue.Details == nil {
		return "", false
	}
	for _, coding := range issue.Details.Coding {
		if coding.System != ClassSystem {
			continue
		}
		class := Class(coding.Code)
		if _, known := statusByClass[class]; known {
			return class, true
		}
	}
	return "", false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityFatal:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Status maps an outcome to its HTTP status code.
func Status(o OperationOutcome) int {
	return statusByClass[Classify(o)]
}

// StatusOf returns the HTTP status code for a class.
func StatusOf(c Class) int {
	if status, ok := statusByClass[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsSuccess reports whether the outcome describes a successful interaction.
func IsSuccess(o OperationOutcome) bool {
	switch Classify(o) {
	case ClassOK, ClassCreated, ClassAccepted, ClassNotModified:
		return true
	default:
		return false
	}
}

func IsOK(o OperationOutcome) bool          { return Classify(o) == ClassOK }
func IsCreated(o OperationOutcome) bool     { return Classify(o) == ClassCreated }
func IsAccepted(o OperationOutcome) bool    { return Classify(o) == ClassAccepted }
func IsNotModified(o OperationOutcome) bool { return Classify(o) == ClassNotModified }
func IsNotFound(o OperationOutcome) bool    { return Classify(o) == ClassNotFound }
func IsGone(o OperationOutcome) bool        { return Classify(o) == ClassGone }
func IsConflict(o OperationOutcome) bool    { return Classify(o) == ClassConflict }
