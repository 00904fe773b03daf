package server

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polisai/polis-fhir/pkg/dispatch"
	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/storage"
)

func (s *Server) handleDispatch(ctx context.Context, c *call) error {
	return s.sendResult(ctx, c, s.dispatcher.HandleRequest(ctx, c.req, c.repo()))
}

// handleExport starts a system or group level export.
func (s *Server) handleExport(level string) handlerFunc {
	return func(ctx context.Context, c *call) error {
		req, err := exportRequest(c.req, level)
		if err != nil {
			return err
		}
		if level == domain.ExportGroup {
			req.GroupID = c.req.Param("id")
		}
		return s.startExport(ctx, c, req)
	}
}

// handleTypeExport serves /{type}/$export. Patient/$export is a patient level
// export; any other type is a system export limited to that type unless
// _type says otherwise.
func (s *Server) handleTypeExport(ctx context.Context, c *call) error {
	rt := c.req.Param("resourceType")
	if !domain.IsResourceType(rt) {
		return domain.InvalidError("Unsupported resource type: "+rt, "resourceType")
	}

	level := domain.ExportSystem
	if rt == "Patient" {
		level = domain.ExportPatient
	}
	req, err := exportRequest(c.req, level)
	if err != nil {
		return err
	}
	if level == domain.ExportSystem && len(req.ResourceTypes) == 0 {
		req.ResourceTypes = []string{rt}
	}
	return s.startExport(ctx, c, req)
}

func (s *Server) startExport(ctx context.Context, c *call, req domain.ExportRequest) error {
	if s.exporter == nil {
		return outcome.NewError(dispatch.UnsupportedOutcome())
	}

	baseURL := s.settings().BaseURL
	req.RequestURL = baseURL + strings.TrimPrefix(c.req.Pathname(), "/")

	job, err := s.exporter.StartExport(ctx, c.auth, req)
	if err != nil {
		return err
	}

	c.writer.Header().Set("Content-Location", baseURL+"bulkdata/export/"+job.ID)
	return s.sendResult(ctx, c, domain.OutcomeOnly(outcome.Accepted("Export accepted")))
}

// exportRequest reads _type and _since from the query string or, for POST
// kick-off requests, from a Parameters body.
func exportRequest(req domain.Request, level string) (domain.ExportRequest, error) {
	out := domain.ExportRequest{Level: level}

	for t := range strings.SplitSeq(exportParam(req, "_type"), ",") {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(out.ResourceTypes, t) {
			out.ResourceTypes = append(out.ResourceTypes, t)
		}
	}

	if since := exportParam(req, "_since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return out, domain.InvalidError("Invalid _since: "+since, "_since")
		}
		out.Since = &t
	}
	return out, nil
}

func exportParam(req domain.Request, name string) string {
	if v := req.QueryValue(name); v != "" {
		return v
	}
	body := req.Body()
	if len(body) == 0 || gjson.GetBytes(body, "resourceType").String() != "Parameters" {
		return ""
	}
	param := gjson.GetBytes(body, `parameter.#(name=="`+name+`")`)
	for _, key := range []string{"valueString", "valueCode", "valueInstant", "valueDateTime"} {
		if v := param.Get(key); v.Exists() {
			return v.String()
		}
	}
	return ""
}

type exportManifest struct {
	TransactionTime     string           `json:"transactionTime"`
	Request             string           `json:"request"`
	RequiresAccessToken bool             `json:"requiresAccessToken"`
	Output              []manifestOutput `json:"output"`
	Error               []manifestOutput `json:"error"`
}

type manifestOutput struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// handleExportStatus reports progress of a bulk export: 202 while running, the
// manifest once complete.
func (s *Server) handleExportStatus(ctx context.Context, c *call) error {
	if s.exporter == nil {
		return outcome.NewError(dispatch.UnsupportedOutcome())
	}
	job, err := s.exporter.GetExport(ctx, c.req.Param("id"))
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.ExportCompleted:
		c.writer.Header().Set("Content-Type", "application/json")
		if err := s.builder.SendJSON(c.writer, http.StatusOK, s.manifest(job)); err != nil {
			return err
		}
		s.recordOutcome(outcome.OK())
		return nil
	case domain.ExportFailed:
		s.logger.ErrorContext(ctx, "Export job failed", "job_id", job.ID, "error", job.Error)
		return outcome.NewError(outcome.ServerError())
	default:
		c.writer.Header().Set("X-Progress", "In progress")
		return s.sendResult(ctx, c, domain.OutcomeOnly(outcome.Accepted("Export in progress")))
	}
}

func (s *Server) manifest(job *domain.ExportJob) exportManifest {
	baseURL := s.settings().BaseURL
	m := exportManifest{
		TransactionTime:     job.TransactionTime.UTC().Format(time.RFC3339),
		Request:             job.Request.RequestURL,
		RequiresAccessToken: s.signer == nil,
		Output:              make([]manifestOutput, 0, len(job.Output)),
		Error:               []manifestOutput{},
	}
	for _, o := range job.Output {
		url := baseURL + o.URL
		if id, ok := strings.CutPrefix(o.URL, "Binary/"); ok && s.signer != nil {
			url = s.signer.Presign(id)
		}
		m.Output = append(m.Output, manifestOutput{Type: o.Type, URL: url, Count: o.Count})
	}
	return m
}

// handleValidate validates the posted resource, either sent directly or as
// the "resource" parameter of a Parameters body.
func (s *Server) handleValidate(ctx context.Context, c *call) error {
	rt := c.req.Param("resourceType")
	body := c.req.Body()

	if rt != "Parameters" && gjson.GetBytes(body, "resourceType").String() == "Parameters" {
		raw := gjson.GetBytes(body, `parameter.#(name=="resource").resource`)
		if !raw.Exists() {
			return domain.InvalidError("Missing resource parameter", "Parameters.parameter")
		}
		body = []byte(raw.Raw)
	}

	res, err := domain.ParseResource(body)
	if err != nil {
		return err
	}
	if res.ResourceType != rt {
		return domain.InvalidError("Incorrect resource type", "resourceType")
	}
	if err := s.validator.Validate(ctx, res); err != nil {
		return err
	}
	return s.sendResult(ctx, c, domain.OutcomeOnly(outcome.OK()))
}

func (s *Server) handleReindex(ctx context.Context, c *call) error {
	return s.instanceOperation(ctx, c, domain.Repository.Reindex)
}

func (s *Server) handleResend(ctx context.Context, c *call) error {
	return s.instanceOperation(ctx, c, domain.Repository.ResendSubscriptions)
}

func (s *Server) handleExpunge(ctx context.Context, c *call) error {
	return s.instanceOperation(ctx, c, domain.Repository.Expunge)
}

type instanceOp func(repo domain.Repository, ctx context.Context, resourceType, id string) error

func (s *Server) instanceOperation(ctx context.Context, c *call, op instanceOp) error {
	rt := c.req.Param("resourceType")
	if !domain.IsResourceType(rt) {
		return domain.InvalidError("Unsupported resource type: "+rt, "resourceType")
	}
	if err := op(c.repo(), ctx, rt, c.req.Param("id")); err != nil {
		return err
	}
	return s.sendResult(ctx, c, domain.OutcomeOnly(outcome.OK()))
}

// handleEverything returns the patient followed by every resource in the
// patient's compartment.
func (s *Server) handleEverything(ctx context.Context, c *call) error {
	id := c.req.Param("id")
	repo := c.repo()

	patient, err := repo.ReadResource(ctx, "Patient", id)
	if err != nil {
		return err
	}
	result, err := repo.Search(ctx, domain.SearchRequest{
		Params: map[string]string{storage.CompartmentParam: patient.Ref()},
		Count:  -1,
	})
	if err != nil {
		return err
	}

	resources := []*domain.Resource{patient}
	for _, r := range result.Resources {
		if r.Ref() != patient.Ref() {
			resources = append(resources, r)
		}
	}

	baseURL := s.settings().BaseURL
	bundle := domain.NewBundle(domain.BundleSearchSet, baseURL, resources, len(resources),
		domain.BundleLink{Relation: "self", URL: baseURL + "Patient/" + id + "/$everything"},
	)
	return s.sendResult(ctx, c, domain.WithResource(outcome.OK(), bundle))
}
