package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/polisai/polis-fhir/internal/governance"
	"github.com/polisai/polis-fhir/pkg/auth"
	"github.com/polisai/polis-fhir/pkg/dispatch"
	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/response"
	"github.com/polisai/polis-fhir/pkg/telemetry"
)

// call is the per-request state handed to route handlers.
type call struct {
	req    domain.Request
	auth   *domain.AuthContext
	writer *response.Writer
}

// repo returns the caller's repository. Protected routes always have one.
func (c *call) repo() domain.Repository {
	if c.auth == nil {
		return nil
	}
	return c.auth.Repository
}

type handlerFunc func(ctx context.Context, c *call) error

// serveAPI runs one FHIR API request: route lookup, authentication, rate
// limiting, request construction and the route handler.
func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wr := response.NewWriter(w, r, s.pipeline, s.logger)

	pathname := r.URL.EscapedPath()
	if pathname == "" || pathname[0] != '/' {
		pathname = "/" + pathname
	}

	ctx, cancel := s.timeouts.WithRequestTimeout(r.Context())
	defer cancel()

	var (
		routeName = telemetry.UnmatchedRoute
		actor     string
	)
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.ErrorContext(ctx, "Handler panic", "panic", rec, "route", routeName, "stack", string(debug.Stack()))
			s.writeError(ctx, wr, fmt.Errorf("panic: %v", rec))
		}
		s.events.LogHTTPRequest(ctx, r.Method, pathname, routeName, wr.Status(), time.Since(start), actor)
	}()

	m, ok := s.routes.Match(r.Method, pathname)
	if !ok {
		s.writeError(ctx, wr, outcome.NewError(dispatch.UnsupportedOutcome()))
		return
	}
	routeName = m.Route.Name
	telemetry.SetRoute(ctx, routeName)

	c := &call{writer: wr}
	if !m.Route.Public {
		ac, err := s.authenticate(ctx, r)
		if err != nil {
			s.writeError(ctx, wr, err)
			return
		}
		actor = ac.Actor.Reference
		if err := s.throttle(ctx, wr, actor); err != nil {
			s.writeError(ctx, wr, err)
			return
		}
		c.auth = ac
		ctx = domain.WithAuthContext(ctx, ac)
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(ctx, wr, err)
		return
	}
	c.req = domain.NewRequest(r.Method, pathname, m.Params, flattenQuery(r), body, r.Header)

	if err := m.Route.Handler(ctx, c); err != nil {
		s.writeError(ctx, wr, err)
	}
}

func (s *Server) authenticate(ctx context.Context, r *http.Request) (*domain.AuthContext, error) {
	ac, err := s.authenticator.Authenticate(ctx, r)
	if err == nil && (ac == nil || ac.Repository == nil) {
		err = errors.New("authenticator returned no repository")
	}
	if err != nil {
		reason := "unauthenticated"
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		if s.metrics != nil {
			s.metrics.RecordAuthFailure(reason)
		}
		s.events.LogSecurityEvent(ctx, "authentication", "deny", reason, "")
		return nil, err
	}
	return ac, nil
}

func (s *Server) throttle(ctx context.Context, wr *response.Writer, actor string) error {
	if !s.limiter.Enabled() {
		return nil
	}
	allowed, remaining := s.limiter.Allow(actor)
	if allowed {
		governance.WriteRateLimitHeaders(wr.Header(), s.limiter.Limit(), remaining, 0)
		return nil
	}

	governance.WriteRateLimitHeaders(wr.Header(), s.limiter.Limit(), 0, time.Second)
	if s.metrics != nil {
		s.metrics.RecordRateLimited()
	}
	s.events.LogSecurityEvent(ctx, "rate_limit", "deny", "rate limit exceeded", actor)
	return domain.ErrTooManyRequests
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.InvalidError(fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// sendResult writes a handler result. Non-success outcomes are escalated to
// the error translator whether or not a resource accompanies them.
func (s *Server) sendResult(ctx context.Context, c *call, result domain.DispatchResult) error {
	o := result.Outcome()
	res, hasResource := result.Resource()

	if !outcome.IsSuccess(o) {
		if hasResource {
			s.logger.ErrorContext(ctx, "Discarding resource returned with a failed outcome",
				"class", outcome.Classify(o),
				"resource", res.Ref(),
			)
		}
		return outcome.NewError(o)
	}

	var err error
	if hasResource {
		err = s.builder.SendResponse(ctx, c.writer, o, res)
	} else {
		err = s.builder.SendOutcome(c.writer, o)
	}
	if err != nil {
		return err
	}
	s.recordOutcome(o)
	return nil
}

// writeError is the only place propagated errors become responses.
func (s *Server) writeError(ctx context.Context, wr *response.Writer, err error) {
	o := outcome.Normalize(err)
	class := outcome.Classify(o)

	if wr.Written() {
		s.logger.WarnContext(ctx, "Error after response was written", "error", err, "class", class)
		return
	}

	status := outcome.Status(o)
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.ErrorContext(ctx, "Request failed", "error", err, "class", class)
	default:
		s.logger.DebugContext(ctx, "Request rejected", "error", err, "class", class)
	}

	if class == outcome.ClassUnauthorized {
		wr.Header().Set("WWW-Authenticate", `Bearer realm="fhir"`)
	}
	if err := s.builder.SendOutcome(wr, o); err != nil && !errors.Is(err, response.ErrAlreadyWritten) {
		s.logger.ErrorContext(ctx, "Failed to write error response", "error", err)
		return
	}
	s.recordOutcome(o)
}

func (s *Server) recordOutcome(o outcome.OperationOutcome) {
	if s.metrics != nil {
		s.metrics.RecordOutcome(string(outcome.Classify(o)))
	}
}

func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = strings.Join(v, ",")
		}
	}
	return out
}

