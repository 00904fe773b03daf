package domain

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResource_PreservesOpaqueFields(t *testing.T) {
	body := []byte(`{
		"resourceType": "Patient",
		"id": "123",
		"meta": {
			"id": "m1",
			"versionId": "3",
			"lastUpdated": "2024-05-01T10:00:00.000Z",
			"source": "http://client.example/app",
			"extension": [{"url": "http://example.org/ext", "valueInteger": 7}]
		},
		"name": [{"given": ["Alice"], "family": "Smith"}],
		"multipleBirthInteger": 2,
		"active": true
	}`)

	r, err := ParseResource(body)
	require.NoError(t, err)
	assert.Equal(t, "Patient", r.ResourceType)
	assert.Equal(t, "123", r.ID)
	assert.Equal(t, "3", r.VersionID())
	require.NotNil(t, r.Meta.LastUpdated)
	assert.True(t, r.Meta.LastUpdated.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	encoded, err := json.Marshal(r)
	require.NoError(t, err)

	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal(encoded, &roundTrip))
	assert.Equal(t, "Patient", roundTrip["resourceType"])
	assert.Equal(t, "123", roundTrip["id"])
	assert.Equal(t, true, roundTrip["active"])
	assert.EqualValues(t, 2, roundTrip["multipleBirthInteger"])
	assert.Equal(t, "Smith", roundTrip["name"].([]any)[0].(map[string]any)["family"])

	meta := roundTrip["meta"].(map[string]any)
	assert.Equal(t, "3", meta["versionId"])
	assert.Equal(t, "m1", meta["id"])
	assert.Equal(t, "http://client.example/app", meta["source"])
	ext := meta["extension"].([]any)[0].(map[string]any)
	assert.Equal(t, "http://example.org/ext", ext["url"])
	assert.EqualValues(t, 7, ext["valueInteger"])
	assert.NotContains(t, r.Meta.Extra, "versionId")
}

func TestMeta_NamedElementsWinOverExtra(t *testing.T) {
	m := Meta{VersionID: "2", Extra: map[string]any{"versionId": "stale", "source": "urn:app"}}

	encoded, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"versionId":"2","source":"urn:app"}`, string(encoded))

	var decoded Meta
	require.NoError(t, json.Unmarshal([]byte(`{"profile":["urn:p"]}`), &decoded))
	assert.Nil(t, decoded.Extra)
	assert.Equal(t, []string{"urn:p"}, decoded.Profile)
}

func TestParseResource_Errors(t *testing.T) {
	_, err := ParseResource(nil)
	require.Error(t, err)
	assert.Equal(t, outcome.ClassBadRequest, outcome.Classify(outcome.Normalize(err)))

	_, err = ParseResource([]byte(`{"id":"1"}`))
	require.Error(t, err)
	assert.Equal(t, "Missing resourceType", outcome.Normalize(err).Issue[0].Details.Text)

	_, err = ParseResource([]byte(`[1,2]`))
	require.Error(t, err)
	assert.Equal(t, outcome.ClassBadRequest, outcome.Classify(outcome.Normalize(err)))
}

func TestResource_CloneIsDeep(t *testing.T) {
	now := time.Now()
	r := NewResource("Observation")
	r.ID = "obs-1"
	r.Meta = &Meta{VersionID: "1", LastUpdated: &now, Extra: map[string]any{
		"extension": []any{map[string]any{"url": "urn:ext"}},
	}}
	r.Set("code", map[string]any{"text": "glucose"})

	c := r.Clone()
	c.Fields["code"].(map[string]any)["text"] = "changed"
	c.Meta.VersionID = "2"
	c.Meta.Extra["extension"].([]any)[0].(map[string]any)["url"] = "urn:changed"

	assert.Equal(t, "glucose", r.Fields["code"].(map[string]any)["text"])
	assert.Equal(t, "1", r.Meta.VersionID)
	assert.Equal(t, "urn:ext", r.Meta.Extra["extension"].([]any)[0].(map[string]any)["url"])

	m := r.Map()["meta"].(*Meta)
	m.Extra["source"] = "urn:mutated"
	assert.NotContains(t, r.Meta.Extra, "source")
}

func TestNewRequest_CopiesInputs(t *testing.T) {
	params := map[string]string{"resourceType": "Patient", "id": "123"}
	query := map[string]string{"_count": "5"}
	body := []byte(`{"resourceType":"Patient"}`)
	header := http.Header{}
	header.Set("Prefer", "return=minimal")

	req := NewRequest("get", "Patient/123", params, query, body, header)
	params["id"] = "456"
	query["_count"] = "10"
	body[2] = 'X'
	header.Set("Prefer", "return=representation")

	assert.Equal(t, "GET", req.Method())
	assert.Equal(t, "/Patient/123", req.Pathname())
	assert.Equal(t, "123", req.Param("id"))
	assert.Equal(t, "5", req.QueryValue("_count"))
	assert.Equal(t, `{"resourceType":"Patient"}`, string(req.Body()))
	assert.Equal(t, "return=minimal", req.Header("Prefer"))
	assert.Equal(t, []string{"Patient", "123"}, req.Segments())

	copied := req.Params()
	copied["id"] = "999"
	assert.Equal(t, "123", req.Param("id"))
}

func TestRequest_SegmentsDecodeOnce(t *testing.T) {
	req := NewRequest(http.MethodPost, "/Patient/abc%2525def/%24reindex", nil, nil, nil, nil)
	assert.Equal(t, "/Patient/abc%2525def/%24reindex", req.Pathname())
	assert.Equal(t, []string{"Patient", "abc%25def", "$reindex"}, req.Segments())

	req = NewRequest(http.MethodGet, "/Binary/a%2Fb", nil, nil, nil, nil)
	assert.Equal(t, []string{"Binary", "a/b"}, req.Segments())
}

func TestRequest_SegmentsOfRoot(t *testing.T) {
	req := NewRequest(http.MethodGet, "/", nil, nil, nil, nil)
	assert.Empty(t, req.Segments())
	assert.False(t, req.HasBody())
}

func TestDispatchResult_Len(t *testing.T) {
	assert.Equal(t, 1, OutcomeOnly(outcome.OK()).Len())
	assert.Equal(t, 1, WithResource(outcome.OK(), nil).Len())

	r := NewResource("Patient")
	result := WithResource(outcome.Created(), r)
	assert.Equal(t, 2, result.Len())
	got, ok := result.Resource()
	assert.True(t, ok)
	assert.Same(t, r, got)
}

func TestNewBundle(t *testing.T) {
	p := NewResource("Patient")
	p.ID = "p1"
	b := NewBundle(BundleSearchSet, "http://example.com/fhir/R4/", []*Resource{p}, 7,
		BundleLink{Relation: "self", URL: "http://example.com/fhir/R4/Patient"})

	assert.Equal(t, "Bundle", b.ResourceType)
	assert.Equal(t, BundleSearchSet, b.Fields["type"])
	assert.Equal(t, 7, b.Fields["total"])
	entries := b.Fields["entry"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "http://example.com/fhir/R4/Patient/p1", entries[0].(map[string]any)["fullUrl"])
}

func TestAuthContext_RoundTrip(t *testing.T) {
	auth := &AuthContext{Actor: Reference{Reference: "Practitioner/1"}, Scopes: []string{"user/*.*"}}
	ctx := WithAuthContext(t.Context(), auth)

	got, ok := AuthContextFrom(ctx)
	require.True(t, ok)
	assert.Same(t, auth, got)
	assert.True(t, got.HasScope("user/*.*"))

	_, ok = AuthContextFrom(t.Context())
	assert.False(t, ok)
}

func TestIsResourceType(t *testing.T) {
	assert.True(t, IsResourceType("Patient"))
	assert.True(t, IsResourceType("Binary"))
	assert.False(t, IsResourceType("patient"))
	assert.False(t, IsResourceType("$export"))
	assert.Contains(t, ResourceTypes(), "Observation")
}
