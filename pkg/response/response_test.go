package response

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingRewriter struct {
	repo domain.Repository
	mode domain.RewriteMode
	err  error
}

func (r *recordingRewriter) Rewrite(_ context.Context, mode domain.RewriteMode, repo domain.Repository, res *domain.Resource) (*domain.Resource, error) {
	r.mode = mode
	r.repo = repo
	if r.err != nil {
		return nil, r.err
	}
	out := res.Clone()
	out.Set("rewritten", true)
	return out, nil
}

type stubRepo struct{ domain.Repository }

func patient(id, version string, updated *time.Time) *domain.Resource {
	p := domain.NewResource("Patient")
	p.ID = id
	if version != "" || updated != nil {
		p.Meta = &domain.Meta{VersionID: version, LastUpdated: updated}
	}
	return p
}

func send(t *testing.T, b *Builder, req *http.Request, o outcome.OperationOutcome, res *domain.Resource) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	wr := NewWriter(rec, req, DefaultPipeline(), discard)
	require.NoError(t, b.SendResponse(req.Context(), wr, o, res))
	return rec
}

func TestSendResponse_CreatedSetsLocation(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodPost, "/Patient", nil)

	rec := send(t, b, req, outcome.Created(), patient("abc", "1", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Patient/abc", rec.Header().Get("Location"))
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
}

func TestSendResponse_VersionHeaderIsQuotedVerbatim(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)

	rec := send(t, b, req, outcome.OK(), patient("1", "3", nil))

	assert.Equal(t, `"3"`, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Header().Get("Last-Modified"))
}

func TestSendResponse_LastModifiedIsSameInstant(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	updated := time.Date(2024, 3, 9, 17, 4, 5, 0, time.FixedZone("EST", -5*3600))

	rec := send(t, b, req, outcome.OK(), patient("1", "", &updated))

	parsed, err := http.ParseTime(rec.Header().Get("Last-Modified"))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(updated))
}

func TestSendResponse_ReadRoundTrip(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodGet, "/Patient/123", nil)

	rec := send(t, b, req, outcome.OK(), patient("123", "", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Equal(t, ContentTypeFHIRJSON, rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Patient", body["resourceType"])
	assert.Equal(t, "123", body["id"])
}

func TestSendResponse_RewritesUnderCallerRepository(t *testing.T) {
	rw := &recordingRewriter{}
	b := NewBuilder(rw, discard)
	repo := stubRepo{}
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	req = req.WithContext(domain.WithAuthContext(req.Context(), &domain.AuthContext{Repository: repo}))

	rec := send(t, b, req, outcome.OK(), patient("1", "", nil))

	assert.Equal(t, domain.RewritePresignedURL, rw.mode)
	assert.Equal(t, repo, rw.repo)
	assert.Contains(t, rec.Body.String(), `"rewritten":true`)
}

func TestSendResponse_RewriteError(t *testing.T) {
	b := NewBuilder(&recordingRewriter{err: errors.New("boom")}, discard)
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	rec := httptest.NewRecorder()

	err := b.SendResponse(req.Context(), NewWriter(rec, req, DefaultPipeline(), discard), outcome.OK(), patient("1", "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPreferMinimalDropsBody(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodPost, "/Patient", nil)
	req.Header.Set("Prefer", "return=minimal")

	rec := send(t, b, req, outcome.Created(), patient("abc", "1", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, "Patient/abc", rec.Header().Get("Location"))
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
}

func TestPreferMinimalKeepsErrorOutcome(t *testing.T) {
	b := NewBuilder(nil, discard)
	req := httptest.NewRequest(http.MethodGet, "/Patient/x", nil)
	req.Header.Set("Prefer", "return=minimal")
	rec := httptest.NewRecorder()

	require.NoError(t, b.SendOutcome(NewWriter(rec, req, DefaultPipeline(), discard), outcome.NotFound()))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resourceType":"OperationOutcome"`)
}

func TestDefaultContentTypeRespectsExisting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metadata", nil)
	rec := httptest.NewRecorder()
	wr := NewWriter(rec, req, DefaultPipeline(), discard)
	wr.Header().Set("Content-Type", "application/json")

	require.NoError(t, wr.Write(Envelope{Status: http.StatusOK, Body: map[string]string{"a": "b"}}))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestWriterRawBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/storage/b1", nil)
	rec := httptest.NewRecorder()
	wr := NewWriter(rec, req, DefaultPipeline(), discard)
	wr.Header().Set("Content-Type", "text/plain")

	require.NoError(t, wr.Write(Envelope{Status: http.StatusOK, Body: Raw("hello")}))
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestWriterIsOnceGuarded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	wr := NewWriter(rec, req, DefaultPipeline(), discard)

	require.NoError(t, wr.Write(OutcomeEnvelope(outcome.OK())))
	err := wr.Write(OutcomeEnvelope(outcome.ServerError()))

	assert.ErrorIs(t, err, ErrAlreadyWritten)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, wr.Status())
	assert.NotContains(t, rec.Body.String(), "late")
}

func TestWriterNotModifiedHasNoBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, NewWriter(rec, req, DefaultPipeline(), discard).Write(OutcomeEnvelope(outcome.NotModified())))
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

type brokenConn struct {
	*httptest.ResponseRecorder
}

func (brokenConn) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestWriterToleratesClosedTransport(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := brokenConn{httptest.NewRecorder()}

	assert.NotPanics(t, func() {
		assert.NoError(t, NewWriter(w, req, DefaultPipeline(), discard).Write(OutcomeEnvelope(outcome.OK())))
	})
}

func TestPreferredReturn(t *testing.T) {
	tests := map[string]string{
		"return=minimal":                             ReturnMinimal,
		"respond-async, return=representation":       ReturnRepresentation,
		`return="OperationOutcome"; handling=strict`: ReturnOperationOutcome,
		"handling=lenient":                           "",
	}
	for header, want := range tests {
		h := http.Header{}
		h.Set("Prefer", header)
		assert.Equal(t, want, PreferredReturn(h), header)
	}
}

func TestProperty_MinimalSuccessBodyIsEmpty(t *testing.T) {
	successes := []outcome.OperationOutcome{outcome.OK(), outcome.Created(), outcome.Accepted("")}

	rapid.Check(t, func(t *rapid.T) {
		o := rapid.SampledFrom(successes).Draw(t, "outcome")
		id := rapid.StringMatching(`[A-Za-z0-9]{1,16}`).Draw(t, "id")
		version := rapid.StringMatching(`[0-9]{0,3}`).Draw(t, "version")

		req := httptest.NewRequest(http.MethodPut, "/Patient/"+id, nil)
		req.Header.Set("Prefer", "return=minimal")
		rec := httptest.NewRecorder()

		err := NewBuilder(nil, discard).SendResponse(req.Context(), NewWriter(rec, req, DefaultPipeline(), discard), o, patient(id, version, nil))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("expected empty body, got %q", rec.Body.String())
		}
		if rec.Code != outcome.Status(o) {
			t.Fatalf("status %d, want %d", rec.Code, outcome.Status(o))
		}
	})
}
