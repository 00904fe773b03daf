package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/polis-fhir/pkg/dispatch"
	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/response"
)

var typeInteractions = []string{
	"read", "vread", "update", "delete", "history-instance", "history-type", "create", "search-type",
}

var instanceOperations = []struct{ name, definition string }{
	{"export", "http://hl7.org/fhir/uv/bulkdata/OperationDefinition/export"},
	{"validate", "http://hl7.org/fhir/OperationDefinition/Resource-validate"},
	{"everything", "http://hl7.org/fhir/OperationDefinition/Patient-everything"},
	{"reindex", ""},
	{"resend", ""},
	{"expunge", ""},
}

var smartScopes = []string{
	"openid", "fhirUser", "launch", "launch/patient", "offline_access",
	"patient/*.read", "patient/*.write", "user/*.read", "user/*.write", "system/*.read", "system/*.write",
}

func (s *Server) handleMetadata(ctx context.Context, c *call) error {
	return s.sendResult(ctx, c, domain.WithResource(outcome.OK(), s.capabilityStatement()))
}

// capabilityStatement describes the server from the current settings and the
// known resource types.
func (s *Server) capabilityStatement() *domain.Resource {
	settings := s.settings()

	resources := make([]any, 0, len(domain.ResourceTypes()))
	for _, t := range domain.ResourceTypes() {
		interactions := make([]any, 0, len(typeInteractions))
		for _, code := range typeInteractions {
			interactions = append(interactions, map[string]any{"code": code})
		}
		resources = append(resources, map[string]any{
			"type":              t,
			"interaction":       interactions,
			"versioning":        "versioned",
			"readHistory":       true,
			"updateCreate":      true,
			"conditionalCreate": true,
			"conditionalUpdate": true,
		})
	}

	operations := make([]any, 0, len(instanceOperations))
	for _, op := range instanceOperations {
		entry := map[string]any{"name": op.name}
		if op.definition != "" {
			entry["definition"] = op.definition
		}
		operations = append(operations, entry)
	}

	rest := map[string]any{
		"mode": "server",
		"security": map[string]any{
			"cors": true,
			"service": []any{map[string]any{
				"coding": []any{map[string]any{
					"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
					"code":   "SMART-on-FHIR",
				}},
			}},
			"extension": []any{map[string]any{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": []any{
					map[string]any{"url": "authorize", "valueUri": s.oauthURL(settings, "authorize")},
					map[string]any{"url": "token", "valueUri": s.oauthURL(settings, "token")},
				},
			}},
		},
		"resource":  resources,
		"operation": operations,
	}
	if s.dispatcher.Get().IntrospectionEnabled() {
		rest["interaction"] = []any{
			map[string]any{"code": "search-system"},
			map[string]any{"code": "history-system"},
		}
	}

	name := settings.SoftwareName
	if name == "" {
		name = "polis-fhir"
	}

	cs := domain.NewResource("CapabilityStatement")
	cs.Set("status", "active")
	cs.Set("date", s.started.Format(time.RFC3339))
	cs.Set("publisher", name)
	cs.Set("kind", "instance")
	cs.Set("fhirVersion", settings.FHIRVersion)
	cs.Set("format", []any{"json"})
	cs.Set("software", map[string]any{"name": name, "version": settings.SoftwareVersion})
	cs.Set("implementation", map[string]any{"description": name, "url": settings.BaseURL})
	cs.Set("rest", []any{rest})
	return cs
}

func (s *Server) handleVersions(_ context.Context, c *call) error {
	c.writer.Header().Set("Content-Type", "application/json")
	return s.sendJSON(c, map[string]any{"versions": []string{"4.0"}, "default": "4.0"})
}

func (s *Server) handleSmartConfiguration(_ context.Context, c *call) error {
	settings := s.settings()
	c.writer.Header().Set("Content-Type", "application/json")
	return s.sendJSON(c, map[string]any{
		"issuer":                                issuer(settings.BaseURL),
		"authorization_endpoint":                s.oauthURL(settings, "authorize"),
		"token_endpoint":                        s.oauthURL(settings, "token"),
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials", "refresh_token"},
		"scopes_supported":                      smartScopes,
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"capabilities": []string{
			"client-confidential-symmetric",
			"context-ehr-patient",
			"launch-ehr",
			"launch-standalone",
			"permission-offline",
			"permission-patient",
			"permission-user",
			"sso-openid-connect",
		},
	})
}

func (s *Server) handleOpenIDConfiguration(_ context.Context, c *call) error {
	settings := s.settings()
	c.writer.Header().Set("Content-Type", "application/json")
	return s.sendJSON(c, map[string]any{
		"issuer":                                issuer(settings.BaseURL),
		"authorization_endpoint":                s.oauthURL(settings, "authorize"),
		"token_endpoint":                        s.oauthURL(settings, "token"),
		"userinfo_endpoint":                     s.oauthURL(settings, "userinfo"),
		"jwks_uri":                              strings.TrimSuffix(issuer(settings.BaseURL), "/") + "/.well-known/jwks.json",
		"scopes_supported":                      smartScopes,
		"response_types_supported":              []string{"code", "id_token", "token id_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
	})
}

// handleStorage serves binary content for a presigned URL. The signature is
// the only access check.
func (s *Server) handleStorage(ctx context.Context, c *call) error {
	if s.signer == nil || s.resolver == nil {
		return outcome.NewError(dispatch.UnsupportedOutcome())
	}

	id := c.req.Param("id")
	if err := s.signer.Verify(id, c.req.QueryValue("Expires"), c.req.QueryValue("Signature")); err != nil {
		s.events.LogSecurityEvent(ctx, "presigned_url", "deny", err.Error(), "")
		o := outcome.Forbidden()
		o.Issue[0].Diagnostics = err.Error()
		return outcome.NewError(o)
	}

	binary, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return err
	}

	contentType := binary.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.writer.Header().Set("Content-Type", contentType)
	c.writer.Header().Set("Cache-Control", "private, max-age=60")
	if err := c.writer.Write(response.Envelope{Status: http.StatusOK, Body: response.Raw(binary.Data)}); err != nil {
		return err
	}
	s.recordOutcome(outcome.OK())
	return nil
}

func (s *Server) sendJSON(c *call, body any) error {
	if err := s.builder.SendJSON(c.writer, http.StatusOK, body); err != nil {
		return err
	}
	s.recordOutcome(outcome.OK())
	return nil
}

func (s *Server) oauthURL(settings domain.Settings, endpoint string) string {
	return strings.TrimSuffix(issuer(settings.BaseURL), "/") + "/oauth2/" + endpoint
}

// issuer is the origin of the base URL ("https://host/").
func issuer(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Scheme + "://" + u.Host + "/"
}
