package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const baseURL = "https://fhir.example.org/fhir/R4/"

func newDispatcher(introspection bool) *Dispatcher {
	return New(domain.Settings{BaseURL: baseURL, IntrospectionEnabled: introspection}, discard)
}

func request(method, path string, query map[string]string, body string, header http.Header) domain.Request {
	var b []byte
	if body != "" {
		b = []byte(body)
	}
	return domain.NewRequest(method, path, nil, query, b, header)
}

func mustCreate(t *testing.T, repo domain.Repository, family string) *domain.Resource {
	t.Helper()
	p := domain.NewResource("Patient")
	p.Set("family", family)
	created, err := repo.CreateResource(context.Background(), p)
	require.NoError(t, err)
	return created
}

func classOf(r domain.DispatchResult) outcome.Class {
	return outcome.Classify(r.Outcome())
}

func TestHandleRequest_ReadRoundTrip(t *testing.T) {
	repo := storage.NewMemoryRepository()
	created := mustCreate(t, repo, "Smith")

	result := newDispatcher(false).HandleRequest(context.Background(), request(http.MethodGet, "/Patient/"+created.ID, nil, "", nil), repo)

	require.Equal(t, outcome.ClassOK, classOf(result))
	res, ok := result.Resource()
	require.True(t, ok)
	assert.Equal(t, created.ID, res.ID)
	assert.Equal(t, "Smith", res.Fields["family"])
}

func TestHandleRequest_ReadMissing(t *testing.T) {
	repo := storage.NewMemoryRepository()

	result := newDispatcher(false).HandleRequest(context.Background(), request(http.MethodGet, "/Patient/nope", nil, "", nil), repo)

	assert.Equal(t, outcome.ClassNotFound, classOf(result))
	assert.Equal(t, 1, result.Len())
}

func TestHandleRequest_Create(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)

	result := d.HandleRequest(context.Background(), request(http.MethodPost, "/Patient", nil, `{"resourceType":"Patient","family":"Doe"}`, nil), repo)

	require.Equal(t, outcome.ClassCreated, classOf(result))
	res, ok := result.Resource()
	require.True(t, ok)
	assert.NotEmpty(t, res.ID)
	assert.NotEmpty(t, res.VersionID())
}

func TestHandleRequest_CreateIfNoneExist(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)
	existing := mustCreate(t, repo, "Doe")
	header := http.Header{"If-None-Exist": []string{"family=Doe"}}
	body := `{"resourceType":"Patient","family":"Doe"}`

	result := d.HandleRequest(context.Background(), request(http.MethodPost, "/Patient", nil, body, header), repo)

	require.Equal(t, outcome.ClassOK, classOf(result))
	res, _ := result.Resource()
	assert.Equal(t, existing.ID, res.ID)

	mustCreate(t, repo, "Doe")
	result = d.HandleRequest(context.Background(), request(http.MethodPost, "/Patient", nil, body, header), repo)
	assert.Equal(t, outcome.ClassMultipleMatches, classOf(result))
	assert.Equal(t, http.StatusPreconditionFailed, outcome.Status(result.Outcome()))
}

func TestHandleRequest_CreateRejectsBadBodies(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)

	tests := map[string]string{
		"empty":         "",
		"invalid json":  `{"resourceType":`,
		"type mismatch": `{"resourceType":"Observation"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			result := d.HandleRequest(context.Background(), request(http.MethodPost, "/Patient", nil, body, nil), repo)
			assert.Equal(t, outcome.ClassBadRequest, classOf(result))
		})
	}
}

func TestHandleRequest_UpdateIfMatch(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)
	created := mustCreate(t, repo, "Smith")
	body := `{"resourceType":"Patient","id":"` + created.ID + `","family":"Jones"}`

	stale := http.Header{"If-Match": []string{`W/"not-current"`}}
	result := d.HandleRequest(context.Background(), request(http.MethodPut, "/Patient/"+created.ID, nil, body, stale), repo)
	assert.Equal(t, outcome.ClassPreconditionFailed, classOf(result))

	current := http.Header{"If-Match": []string{`W/"` + created.VersionID() + `"`}}
	result = d.HandleRequest(context.Background(), request(http.MethodPut, "/Patient/"+created.ID, nil, body, current), repo)
	require.Equal(t, outcome.ClassOK, classOf(result))
	res, _ := result.Resource()
	assert.Equal(t, "Jones", res.Fields["family"])
}

func TestHandleRequest_UpdateIncorrectID(t *testing.T) {
	repo := storage.NewMemoryRepository()

	result := newDispatcher(false).HandleRequest(context.Background(),
		request(http.MethodPut, "/Patient/a", nil, `{"resourceType":"Patient","id":"b"}`, nil), repo)

	assert.Equal(t, outcome.ClassBadRequest, classOf(result))
	assert.Equal(t, "Incorrect ID", result.Outcome().Text())
}

func TestHandleRequest_DeleteThenGone(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)
	created := mustCreate(t, repo, "Smith")

	result := d.HandleRequest(context.Background(), request(http.MethodDelete, "/Patient/"+created.ID, nil, "", nil), repo)
	require.Equal(t, outcome.ClassOK, classOf(result))
	_, hasResource := result.Resource()
	assert.False(t, hasResource)

	result = d.HandleRequest(context.Background(), request(http.MethodGet, "/Patient/"+created.ID, nil, "", nil), repo)
	assert.Equal(t, outcome.ClassGone, classOf(result))
}

func TestHandleRequest_SearchBundleAndLinks(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)
	for range 3 {
		mustCreate(t, repo, "Smith")
	}

	result := d.HandleRequest(context.Background(),
		request(http.MethodGet, "/Patient", map[string]string{"family": "Smith", "_count": "2"}, "", nil), repo)

	require.Equal(t, outcome.ClassOK, classOf(result))
	bundle, _ := result.Resource()
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, domain.BundleSearchSet, bundle.Fields["type"])
	assert.Equal(t, 3, bundle.Fields["total"])
	assert.Len(t, bundle.Fields["entry"], 2)

	relations := map[string]string{}
	for _, l := range bundle.Fields["link"].([]any) {
		m := l.(map[string]any)
		relations[m["relation"].(string)] = m["url"].(string)
	}
	assert.Contains(t, relations["self"], baseURL+"Patient?")
	assert.Contains(t, relations["next"], "_offset=2")
	assert.NotContains(t, relations, "previous")
}

func TestHandleRequest_PostSearch(t *testing.T) {
	repo := storage.NewMemoryRepository()
	mustCreate(t, repo, "Smith")
	mustCreate(t, repo, "Jones")

	result := newDispatcher(false).HandleRequest(context.Background(),
		request(http.MethodPost, "/Patient/_search", nil, "family=Jones", nil), repo)

	require.Equal(t, outcome.ClassOK, classOf(result))
	bundle, _ := result.Resource()
	assert.Equal(t, 1, bundle.Fields["total"])
}

func TestHandleRequest_InvalidPaging(t *testing.T) {
	repo := storage.NewMemoryRepository()

	result := newDispatcher(false).HandleRequest(context.Background(),
		request(http.MethodGet, "/Patient", map[string]string{"_count": "-1"}, "", nil), repo)

	assert.Equal(t, outcome.ClassBadRequest, classOf(result))
}

func TestHandleRequest_HistoryAndVRead(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(false)
	created := mustCreate(t, repo, "Smith")
	created.Set("family", "Jones")
	_, err := repo.UpdateResource(context.Background(), created, "")
	require.NoError(t, err)

	result := d.HandleRequest(context.Background(), request(http.MethodGet, "/Patient/"+created.ID+"/_history", nil, "", nil), repo)
	require.Equal(t, outcome.ClassOK, classOf(result))
	bundle, _ := result.Resource()
	assert.Equal(t, domain.BundleHistory, bundle.Fields["type"])
	assert.Len(t, bundle.Fields["entry"], 2)

	result = d.HandleRequest(context.Background(),
		request(http.MethodGet, "/Patient/"+created.ID+"/_history/"+created.VersionID(), nil, "", nil), repo)
	require.Equal(t, outcome.ClassOK, classOf(result))
	old, _ := result.Resource()
	assert.Equal(t, "Smith", old.Fields["family"])

	result = d.HandleRequest(context.Background(), request(http.MethodGet, "/Patient/_history", nil, "", nil), repo)
	assert.Equal(t, outcome.ClassOK, classOf(result))
}

func TestHandleRequest_SystemInteractionsRequireIntrospection(t *testing.T) {
	repo := storage.NewMemoryRepository()
	mustCreate(t, repo, "Smith")

	for _, path := range []string{"/", "/_history"} {
		closed := newDispatcher(false).HandleRequest(context.Background(), request(http.MethodGet, path, nil, "", nil), repo)
		assert.Equal(t, outcome.ClassForbidden, classOf(closed), path)

		open := newDispatcher(true).HandleRequest(context.Background(), request(http.MethodGet, path, nil, "", nil), repo)
		assert.Equal(t, outcome.ClassOK, classOf(open), path)
	}
}

func TestHandleRequest_Unsupported(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(true)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/NotAResource"},
		{http.MethodPatch, "/Patient/1"},
		{http.MethodDelete, "/Patient"},
		{http.MethodGet, "/Patient/1/foo"},
		{http.MethodPost, "/"},
	}
	for _, tt := range tests {
		result := d.HandleRequest(context.Background(), request(tt.method, tt.path, nil, "", nil), repo)
		assert.Equal(t, outcome.ClassNotFound, classOf(result), tt.method+" "+tt.path)
		assert.Equal(t, "Unsupported operation", result.Outcome().Text())
		assert.Equal(t, outcome.IssueNotSupported, result.Outcome().Issue[0].Code)
	}
}

func TestHandleRequest_InvalidID(t *testing.T) {
	repo := storage.NewMemoryRepository()

	result := newDispatcher(false).HandleRequest(context.Background(),
		request(http.MethodGet, "/Patient/bad!id", nil, "", nil), repo)

	assert.Equal(t, outcome.ClassBadRequest, classOf(result))
}

func TestMustValidator_RegistersIDTag(t *testing.T) {
	var v interface{ Var(any, string) error }
	require.NotPanics(t, func() { v = mustValidator() })

	assert.NoError(t, v.Var("abc-1.2", "required,fhir_id"))
	assert.Error(t, v.Var("bad!id", "required,fhir_id"))
	assert.Error(t, v.Var("", "required,fhir_id"))
	assert.Same(t, idValidator, New(domain.Settings{}, discard).validate)
}

func TestParseETag(t *testing.T) {
	assert.Equal(t, "3", ParseETag(`W/"3"`))
	assert.Equal(t, "3", ParseETag(`"3"`))
	assert.Equal(t, "abc", ParseETag(" abc "))
	assert.Empty(t, ParseETag(""))
}

func TestProperty_HandleRequestNeverPanics(t *testing.T) {
	repo := storage.NewMemoryRepository()
	d := newDispatcher(true)
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	rapid.Check(t, func(t *rapid.T) {
		method := rapid.SampledFrom(methods).Draw(t, "method")
		path := rapid.StringMatching(`(/[A-Za-z_$0-9]{0,8}){0,5}`).Draw(t, "path")
		body := rapid.StringMatching(`.{0,32}`).Draw(t, "body")

		result := d.HandleRequest(context.Background(), request(method, path, nil, body, nil), repo)
		if result.Len() < 1 || result.Len() > 2 {
			t.Fatalf("unexpected result length %d", result.Len())
		}
	})
}

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Settings() domain.Settings {
	p.calls.Add(1)
	return domain.Settings{BaseURL: baseURL, IntrospectionEnabled: true}
}

func TestHandle_ConcurrentFirstUse(t *testing.T) {
	provider := &countingProvider{}
	h := NewHandle(provider, discard)

	const callers = 16
	got := make([]*Dispatcher, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = h.Get()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.calls.Load())
	for _, d := range got {
		assert.Same(t, got[0], d)
	}
	assert.True(t, got[0].IntrospectionEnabled())
}

func TestHandle_HandleRequestForwards(t *testing.T) {
	repo := storage.NewMemoryRepository()
	created := mustCreate(t, repo, "Smith")
	h := NewHandle(&countingProvider{}, discard)

	result := h.HandleRequest(context.Background(), request(http.MethodGet, "/Patient/"+created.ID, nil, "", nil), repo)

	assert.Equal(t, outcome.ClassOK, classOf(result))
}
