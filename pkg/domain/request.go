package domain

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"strings"
)

// Request is the transport-independent view of one HTTP request. It is built
// once by NewRequest and never mutated; accessors hand out copies.
type Request struct {
	method   string
	pathname string
	params   map[string]string
	query    map[string]string
	body     json.RawMessage
	header   http.Header
}

// NewRequest builds a Request. pathname is the escaped request path with the
// mount prefix and query string removed; a missing leading slash is added.
func NewRequest(method, pathname string, params, query map[string]string, body []byte, header http.Header) Request {
	if !strings.HasPrefix(pathname, "/") {
		pathname = "/" + pathname
	}
	req := Request{
		method:   strings.ToUpper(method),
		pathname: pathname,
		params:   maps.Clone(params),
		query:    maps.Clone(query),
		header:   header.Clone(),
	}
	if req.params == nil {
		req.params = map[string]string{}
	}
	if req.query == nil {
		req.query = map[string]string{}
	}
	if req.header == nil {
		req.header = http.Header{}
	}
	if len(body) > 0 {
		req.body = append(json.RawMessage(nil), body...)
	}
	return req
}

// Method returns the upper-case HTTP verb.
func (r Request) Method() string { return r.method }

// Pathname returns the escaped request path relative to the API mount point.
func (r Request) Pathname() string { return r.pathname }

// Param returns a path variable.
func (r Request) Param(name string) string { return r.params[name] }

// Params returns a copy of all path variables.
func (r Request) Params() map[string]string { return maps.Clone(r.params) }

// QueryValue returns a query parameter.
func (r Request) QueryValue(name string) string { return r.query[name] }

// Query returns a copy of all query parameters.
func (r Request) Query() map[string]string { return maps.Clone(r.query) }

// Body returns a copy of the raw request body.
func (r Request) Body() json.RawMessage { return append(json.RawMessage(nil), r.body...) }

// HasBody reports whether the request carried a body.
func (r Request) HasBody() bool { return len(r.body) > 0 }

// Header returns a request header value.
func (r Request) Header(name string) string { return r.header.Get(name) }

// Segments splits the pathname into its segments, each percent-decoded once.
// An encoded slash stays inside its segment.
func (r Request) Segments() []string {
	trimmed := strings.Trim(r.pathname, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if v, err := url.PathUnescape(part); err == nil {
			parts[i] = v
		}
	}
	return parts
}
