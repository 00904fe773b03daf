package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
)

func parse(t *testing.T, raw string) *domain.Resource {
	t.Helper()
	res, err := domain.ParseResource([]byte(raw))
	require.NoError(t, err)
	return res
}

func expressions(t *testing.T, err error) []string {
	t.Helper()
	var oe *outcome.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, outcome.ClassBadRequest, outcome.Classify(oe.Outcome))

	var out []string
	for _, issue := range oe.Outcome.Issue[1:] {
		out = append(out, issue.Expression...)
	}
	return out
}

func TestValidate(t *testing.T) {
	v := New()
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "valid patient", raw: `{"resourceType":"Patient","id":"p1","name":[{"family":"Smith"}]}`},
		{name: "valid observation", raw: `{"resourceType":"Observation","status":"final","code":{"text":"hr"}}`},
		{name: "missing observation elements", raw: `{"resourceType":"Observation"}`, want: []string{"Observation.status", "Observation.code"}},
		{name: "empty required array", raw: `{"resourceType":"DocumentReference","status":"current","content":[]}`, want: []string{"DocumentReference.content"}},
		{name: "bad id", raw: `{"resourceType":"Patient","id":"not valid!"}`, want: []string{"id"}},
		{name: "unknown type", raw: `{"resourceType":"Spaceship"}`, want: []string{"resourceType"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, parse(t, tt.raw))
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ElementsMatch(t, tt.want, expressions(t, err))
		})
	}
}

func TestMustValidator_RegistersTags(t *testing.T) {
	var v interface{ Var(any, string) error }
	require.NotPanics(t, func() { v = mustValidator() })

	assert.NoError(t, v.Var("Observation", "fhir_type"))
	assert.Error(t, v.Var("Spaceship", "fhir_type"))
	assert.NoError(t, v.Var("obs-1", "fhir_id"))
	assert.Error(t, v.Var("obs 1", "fhir_id"))
}

func TestValidate_NilAndCancelled(t *testing.T) {
	v := New()

	err := v.Validate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, outcome.ClassBadRequest, outcome.Classify(outcome.Normalize(err)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, v.Validate(ctx, domain.NewResource("Patient")), context.Canceled)
}
