package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/polisai/polis-fhir/pkg/outcome"
)

// ErrAlreadyWritten is returned when a second response is attempted.
var ErrAlreadyWritten = errors.New("response already written")

// Raw is an envelope body written verbatim instead of being JSON encoded.
type Raw []byte

// Writer serializes at most one Envelope per request. It is owned by a single
// request and is not safe for concurrent use.
type Writer struct {
	w        http.ResponseWriter
	r        *http.Request
	pipeline *Pipeline
	logger   *slog.Logger
	written  bool
	status   int
}

// NewWriter binds a writer to one request/response pair. A nil pipeline
// writes envelopes unchanged.
func NewWriter(w http.ResponseWriter, r *http.Request, pipeline *Pipeline, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{w: w, r: r, pipeline: pipeline, logger: logger}
}

// Header exposes the response headers so handlers can set them before the
// envelope is written.
func (wr *Writer) Header() http.Header { return wr.w.Header() }

// Request returns the request this writer answers.
func (wr *Writer) Request() *http.Request { return wr.r }

// Written reports whether an envelope has been written.
func (wr *Writer) Written() bool { return wr.written }

// Status returns the status that was written, or 0.
func (wr *Writer) Status() int { return wr.status }

// Write runs the pipeline and serializes env. Only the first call has an
// effect; later calls return ErrAlreadyWritten. Transport write failures, such
// as a client that went away, are logged and not returned.
func (wr *Writer) Write(env Envelope) error {
	if wr.written {
		wr.logger.Debug("Ignoring repeated response write", "status", env.Status)
		return ErrAlreadyWritten
	}
	wr.written = true

	header := wr.w.Header()
	for k, v := range env.Header {
		header[k] = v
	}
	env.Header = header
	if env.Status == 0 {
		env.Status = http.StatusOK
	}

	wr.pipeline.Apply(wr.r, &env)

	var payload []byte
	if raw, ok := env.Body.(Raw); ok && bodyAllowed(env.Status) {
		payload = raw
		header.Set("Content-Length", strconv.Itoa(len(payload)))
	} else if env.Body != nil && bodyAllowed(env.Status) {
		encoded, err := json.Marshal(env.Body)
		if err != nil {
			wr.logger.Error("Failed to encode response body", "error", err, "status", env.Status)
			env.Status = http.StatusInternalServerError
			encoded, _ = json.Marshal(outcome.ServerError())
			header.Set("Content-Type", ContentTypeFHIRJSON)
		}
		payload = encoded
		header.Set("Content-Length", strconv.Itoa(len(payload)))
	}

	wr.status = env.Status
	wr.w.WriteHeader(env.Status)
	if len(payload) == 0 {
		return nil
	}
	if _, err := wr.w.Write(payload); err != nil {
		wr.logger.Warn("Failed to write response body", "error", err, "status", env.Status)
	}
	return nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	default:
		return true
	}
}
