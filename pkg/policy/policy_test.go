package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{Logger: discard})
	require.NoError(t, err)
	return engine
}

func TestEngine_DefaultPolicy(t *testing.T) {
	engine := newEngine(t)

	tests := []struct {
		name        string
		subject     Subject
		interaction string
		rt          string
		want        Action
	}{
		{"anonymous read", Subject{}, InteractionRead, "Patient", ActionDeny},
		{"authenticated read", Subject{Actor: "Practitioner/1"}, InteractionRead, "Patient", ActionAllow},
		{"authenticated search all", Subject{Actor: "Practitioner/1"}, InteractionSearch, "", ActionAllow},
		{"write without scope", Subject{Actor: "Practitioner/1", Scopes: []string{"user/*.read"}}, InteractionCreate, "Patient", ActionDeny},
		{"write with wildcard", Subject{Actor: "Practitioner/1", Scopes: []string{"system/*.write"}}, InteractionCreate, "Patient", ActionAllow},
		{"write with type scope", Subject{Actor: "Practitioner/1", Scopes: []string{"user/Patient.*"}}, InteractionUpdate, "Patient", ActionAllow},
		{"write other type", Subject{Actor: "Practitioner/1", Scopes: []string{"user/Patient.write"}}, InteractionDelete, "Observation", ActionDeny},
		{"malformed scope", Subject{Actor: "Practitioner/1", Scopes: []string{"write"}}, InteractionExpunge, "Patient", ActionDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(context.Background(), Input{Subject: tt.subject, Interaction: tt.interaction, ResourceType: tt.rt})
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.Action)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestEngine_CachesPerSubject(t *testing.T) {
	engine := newEngine(t)
	in := Input{Subject: Subject{Actor: "Practitioner/1", Scopes: []string{"b", "a"}}, Interaction: InteractionRead, ResourceType: "Patient"}

	_, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	in.Subject.Scopes = []string{"a", "b"}
	_, err = engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	_, err = engine.Evaluate(context.Background(), Input{Interaction: InteractionRead})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len(), "anonymous decisions are not cached")

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestEngine_CustomModule(t *testing.T) {
	modules := map[string]string{"deny.rego": `package fhir.authz

decision := {"action": "deny", "reason": "maintenance"}
`}
	engine, err := NewEngine(context.Background(), EngineOptions{Modules: modules, CacheMaxEntries: -1, Logger: discard})
	require.NoError(t, err)
	assert.Nil(t, engine.cache)

	decision, err := engine.Evaluate(context.Background(), Input{Subject: Subject{Actor: "Practitioner/1"}, Interaction: InteractionRead})
	require.NoError(t, err)
	assert.Equal(t, Decision{Action: ActionDeny, Reason: "maintenance"}, decision)
}

func TestEngine_InvalidModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{Modules: map[string]string{"bad.rego": "package"}})
	assert.Error(t, err)
}

func TestEngine_UnknownAction(t *testing.T) {
	modules := map[string]string{"odd.rego": `package fhir.authz

decision := {"action": "maybe"}
`}
	engine, err := NewEngine(context.Background(), EngineOptions{Modules: modules, Logger: discard})
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), Input{Subject: Subject{Actor: "Practitioner/1"}})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	allow := FilterFunc(func(context.Context, Input) (Decision, error) { return Decision{Action: ActionAllow}, nil })
	deny := FilterFunc(func(context.Context, Input) (Decision, error) { return Decision{Action: ActionDeny, Reason: "no"}, nil })
	broken := FilterFunc(func(context.Context, Input) (Decision, error) { return Decision{Action: "?"}, nil })

	d, err := NewChain().Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = NewChain(allow, deny, broken).Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, "no", d.Reason)

	_, err = NewChain(allow, broken).Evaluate(context.Background(), Input{})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFailClosed, m)

	m, err = ParseMode(" Fail-Open ")
	require.NoError(t, err)
	assert.Equal(t, ModeFailOpen, m)

	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestRepository_EnforcesDecisions(t *testing.T) {
	ctx := context.Background()
	backing := storage.NewMemoryRepository()
	engine := newEngine(t)

	reader := NewRepository(backing, engine, Subject{Actor: "Practitioner/1", Scopes: []string{"user/*.read"}}, ModeFailClosed, discard)
	writer := NewRepository(backing, engine, Subject{Actor: "Practitioner/2", Scopes: []string{"user/*.write"}}, ModeFailClosed, discard)

	_, err := reader.CreateResource(ctx, domain.NewResource("Patient"))
	require.Error(t, err)
	o := outcome.Normalize(err)
	assert.Equal(t, outcome.ClassForbidden, outcome.Classify(o))
	assert.Equal(t, "missing write scope", o.Issue[0].Diagnostics)

	created, err := writer.CreateResource(ctx, domain.NewResource("Patient"))
	require.NoError(t, err)

	read, err := reader.ReadResource(ctx, "Patient", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, read.ID)

	assert.Error(t, reader.DeleteResource(ctx, "Patient", created.ID))
	require.NoError(t, writer.Reindex(ctx, "Patient", created.ID))
	assert.Equal(t, 1, backing.ReindexCount("Patient", created.ID))
}

func TestRepository_FailurePosture(t *testing.T) {
	ctx := context.Background()
	failing := FilterFunc(func(context.Context, Input) (Decision, error) { return Decision{}, errors.New("engine down") })
	backing := storage.NewMemoryRepository()

	closed := NewRepository(backing, failing, Subject{Actor: "Practitioner/1"}, "", discard)
	_, err := closed.Search(ctx, domain.SearchRequest{ResourceType: "Patient"})
	o := outcome.Normalize(err)
	assert.Equal(t, outcome.ClassForbidden, outcome.Classify(o))
	assert.Equal(t, "fail-closed: policy evaluation failed", o.Issue[0].Diagnostics)
	assert.NotContains(t, o.Text(), "engine down")

	open := NewRepository(backing, failing, Subject{Actor: "Practitioner/1"}, ModeFailOpen, discard)
	_, err = open.Search(ctx, domain.SearchRequest{ResourceType: "Patient"})
	assert.NoError(t, err)
}
