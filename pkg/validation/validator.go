// Package validation implements the structural checks run by $validate.
package validation

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// requiredElements lists the top-level elements a resource type cannot omit.
var requiredElements = map[string][]string{
	"Binary":            {"contentType"},
	"Condition":         {"subject"},
	"DiagnosticReport":  {"status", "code"},
	"DocumentReference": {"status", "content"},
	"Encounter":         {"status", "class"},
	"Group":             {"type", "actual"},
	"MedicationRequest": {"status", "intent", "subject"},
	"Observation":       {"status", "code"},
	"Subscription":      {"status", "criteria", "channel"},
}

type shape struct {
	ResourceType string `validate:"required,fhir_type"`
	ID           string `validate:"omitempty,fhir_id"`
	VersionID    string `validate:"omitempty,fhir_id"`
}

// StructuralValidator checks resource type, ids and required elements. It
// does not evaluate profiles or terminology bindings.
type StructuralValidator struct {
	validate *validator.Validate
}

// New creates a validator.
func New() *StructuralValidator {
	return &StructuralValidator{validate: mustValidator()}
}

func mustValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	tags := map[string]validator.Func{
		"fhir_id": func(fl validator.FieldLevel) bool {
			return idPattern.MatchString(fl.Field().String())
		},
		"fhir_type": func(fl validator.FieldLevel) bool {
			return domain.IsResourceType(fl.Field().String())
		},
	}
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	return v
}

// Validate returns nil for a structurally valid resource and otherwise an
// outcome.Error listing every problem found.
func (v *StructuralValidator) Validate(ctx context.Context, resource *domain.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resource == nil {
		return domain.InvalidError("Missing resource")
	}

	s := shape{ResourceType: resource.ResourceType, ID: resource.ID, VersionID: resource.VersionID()}

	var issues []outcome.Issue
	if err := v.validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			issues = append(issues, fieldIssue(fe))
		}
	}

	for _, name := range requiredElements[resource.ResourceType] {
		if v, ok := resource.Fields[name]; !ok || isEmpty(v) {
			issues = append(issues, issue(outcome.IssueRequired, "Missing required property", resource.ResourceType+"."+name))
		}
	}

	if len(issues) == 0 {
		return nil
	}
	o := outcome.BadRequest("Validation failed")
	o.Issue = append(o.Issue[:1], issues...)
	return outcome.NewError(o)
}

func fieldIssue(fe validator.FieldError) outcome.Issue {
	expr := map[string]string{
		"ResourceType": "resourceType",
		"ID":           "id",
		"VersionID":    "meta.versionId",
	}[fe.Field()]

	switch fe.Tag() {
	case "required":
		return issue(outcome.IssueRequired, "Missing required property", expr)
	case "fhir_type":
		return issue(outcome.IssueValue, "Unknown resource type: "+fe.Value().(string), expr)
	default:
		return issue(outcome.IssueValue, "Invalid "+strings.ToLower(fe.Field())+" format", expr)
	}
}

func issue(code outcome.IssueType, text, expression string) outcome.Issue {
	return outcome.Issue{
		Severity:   outcome.SeverityError,
		Code:       code,
		Details:    &outcome.CodeableConcept{Text: text},
		Expression: []string{expression},
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
