// Package dispatch resolves requests that match no special operation into
// standard FHIR interactions against a Repository.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
	"github.com/polisai/polis-fhir/pkg/telemetry"
)

// Interaction names.
const (
	InteractionCreate        = "create"
	InteractionRead          = "read"
	InteractionVRead         = "vread"
	InteractionUpdate        = "update"
	InteractionDelete        = "delete"
	InteractionSearch        = "search-type"
	InteractionSearchSystem  = "search-system"
	InteractionHistory       = "history-instance"
	InteractionHistoryType   = "history-type"
	InteractionHistorySystem = "history-system"
	InteractionUnsupported   = "unsupported"
)

const (
	defaultPageSize = 20
	maxPageSize     = 1000
)

var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

var idValidator = mustValidator()

// mustValidator builds the validator used for logical ids. Registration only
// fails for a malformed tag, so an error here is a programming mistake.
func mustValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("fhir_id", func(fl validator.FieldLevel) bool {
		return fhirIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Dispatcher is immutable after construction and safe for concurrent use.
type Dispatcher struct {
	introspection bool
	baseURL       string
	validate      *validator.Validate
	tracer        trace.Tracer
	logger        *slog.Logger
}

// New constructs a dispatcher from the settings snapshot.
func New(settings domain.Settings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		introspection: settings.IntrospectionEnabled,
		baseURL:       settings.BaseURL,
		validate:      idValidator,
		tracer:        otel.Tracer("polis.fhir/dispatch"),
		logger:        logger,
	}
}

// IntrospectionEnabled reports the flag captured at construction.
func (d *Dispatcher) IntrospectionEnabled() bool { return d.introspection }

type call struct {
	interaction  string
	resourceType string
	id           string
	run          func(ctx context.Context) domain.DispatchResult
}

// HandleRequest executes the interaction named by the request's method and
// path. Failures are returned as outcome-only results; HandleRequest never
// panics on malformed input.
func (d *Dispatcher) HandleRequest(ctx context.Context, req domain.Request, repo domain.Repository) domain.DispatchResult {
	c := d.resolve(req, repo)

	ctx, span := d.tracer.Start(ctx, "fhir."+c.interaction, trace.WithAttributes(
		telemetry.RedactAttributes(nil, []attribute.KeyValue{
			attribute.String("fhir.interaction", c.interaction),
			attribute.String("fhir.resource_type", c.resourceType),
			attribute.String("fhir.resource.id", c.id),
		})...,
	))
	defer span.End()

	start := time.Now()
	result := c.run(ctx)
	class := outcome.Classify(result.Outcome())

	span.SetAttributes(attribute.String("fhir.outcome", string(class)))
	telemetry.RecordInteraction(ctx, telemetry.InteractionMetrics{
		Interaction:  c.interaction,
		ResourceType: c.resourceType,
		Class:        string(class),
		Success:      outcome.IsSuccess(result.Outcome()),
		Duration:     time.Since(start),
	})

	d.logger.DebugContext(ctx, "Dispatched interaction",
		"interaction", c.interaction,
		"resource_type", c.resourceType,
		"outcome", class,
	)
	return result
}

func (d *Dispatcher) resolve(req domain.Request, repo domain.Repository) call {
	segs := req.Segments()
	method := req.Method()

	unsupported := call{
		interaction: InteractionUnsupported,
		run: func(context.Context) domain.DispatchResult {
			return domain.OutcomeOnly(UnsupportedOutcome())
		},
	}

	switch {
	case len(segs) == 0 && method == http.MethodGet:
		return call{interaction: InteractionSearchSystem, run: func(ctx context.Context) domain.DispatchResult {
			if !d.introspection {
				return domain.OutcomeOnly(outcome.Forbidden())
			}
			return d.search(ctx, req, repo, "")
		}}
	case len(segs) == 1 && segs[0] == "_history" && method == http.MethodGet:
		return call{interaction: InteractionHistorySystem, run: func(ctx context.Context) domain.DispatchResult {
			if !d.introspection {
				return domain.OutcomeOnly(outcome.Forbidden())
			}
			return d.history(ctx, req, repo, domain.HistoryRequest{})
		}}
	case len(segs) == 0:
		return unsupported
	}

	resourceType := segs[0]
	if !domain.IsResourceType(resourceType) {
		return unsupported
	}

	invalidID := func(id string) call {
		return call{interaction: InteractionUnsupported, resourceType: resourceType, run: func(context.Context) domain.DispatchResult {
			return domain.OutcomeOnly(outcome.BadRequest("Invalid id: "+id, "id"))
		}}
	}

	switch len(segs) {
	case 1:
		switch method {
		case http.MethodGet:
			return call{interaction: InteractionSearch, resourceType: resourceType, run: func(ctx context.Context) domain.DispatchResult {
				return d.search(ctx, req, repo, resourceType)
			}}
		case http.MethodPost:
			return call{interaction: InteractionCreate, resourceType: resourceType, run: func(ctx context.Context) domain.DispatchResult {
				return d.create(ctx, req, repo, resourceType)
			}}
		}
	case 2:
		switch {
		case segs[1] == "_search" && method == http.MethodPost:
			return call{interaction: InteractionSearch, resourceType: resourceType, run: func(ctx context.Context) domain.DispatchResult {
				return d.search(ctx, req, repo, resourceType)
			}}
		case segs[1] == "_history" && method == http.MethodGet:
			return call{interaction: InteractionHistoryType, resourceType: resourceType, run: func(ctx context.Context) domain.DispatchResult {
				return d.history(ctx, req, repo, domain.HistoryRequest{ResourceType: resourceType})
			}}
		}
		id := segs[1]
		if !d.validID(id) {
			return invalidID(id)
		}
		switch method {
		case http.MethodGet:
			return call{interaction: InteractionRead, resourceType: resourceType, id: id, run: func(ctx context.Context) domain.DispatchResult {
				return d.read(ctx, repo, resourceType, id)
			}}
		case http.MethodPut:
			return call{interaction: InteractionUpdate, resourceType: resourceType, id: id, run: func(ctx context.Context) domain.DispatchResult {
				return d.update(ctx, req, repo, resourceType, id)
			}}
		case http.MethodDelete:
			return call{interaction: InteractionDelete, resourceType: resourceType, id: id, run: func(ctx context.Context) domain.DispatchResult {
				if err := repo.DeleteResource(ctx, resourceType, id); err != nil {
					return failure(err)
				}
				return domain.OutcomeOnly(outcome.OK())
			}}
		}
	case 3, 4:
		id := segs[1]
		if segs[2] != "_history" || method != http.MethodGet {
			break
		}
		if !d.validID(id) {
			return invalidID(id)
		}
		if len(segs) == 3 {
			return call{interaction: InteractionHistory, resourceType: resourceType, id: id, run: func(ctx context.Context) domain.DispatchResult {
				return d.history(ctx, req, repo, domain.HistoryRequest{ResourceType: resourceType, ID: id})
			}}
		}
		vid := segs[3]
		return call{interaction: InteractionVRead, resourceType: resourceType, id: id, run: func(ctx context.Context) domain.DispatchResult {
			res, err := repo.ReadVersion(ctx, resourceType, id, vid)
			if err != nil {
				return failure(err)
			}
			return domain.WithResource(outcome.OK(), res)
		}}
	}

	unsupported.resourceType = resourceType
	return unsupported
}

func (d *Dispatcher) validID(id string) bool {
	return d.validate.Var(id, "required,fhir_id") == nil
}

func (d *Dispatcher) read(ctx context.Context, repo domain.Repository, resourceType, id string) domain.DispatchResult {
	res, err := repo.ReadResource(ctx, resourceType, id)
	if err != nil {
		return failure(err)
	}
	return domain.WithResource(outcome.OK(), res)
}

func (d *Dispatcher) create(ctx context.Context, req domain.Request, repo domain.Repository, resourceType string) domain.DispatchResult {
	res, err := parseBody(req, resourceType)
	if err != nil {
		return failure(err)
	}

	if cond := strings.TrimSpace(req.Header("If-None-Exist")); cond != "" {
		existing, found, err := d.conditionalMatch(ctx, repo, resourceType, cond)
		if err != nil {
			return failure(err)
		}
		if found {
			return domain.WithResource(outcome.OK(), existing)
		}
	}

	created, err := repo.CreateResource(ctx, res)
	if err != nil {
		return failure(err)
	}
	return domain.WithResource(outcome.Created(), created)
}

func (d *Dispatcher) conditionalMatch(ctx context.Context, repo domain.Repository, resourceType, cond string) (*domain.Resource, bool, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(cond, "?"))
	if err != nil {
		return nil, false, domain.InvalidError("Invalid If-None-Exist header", "If-None-Exist")
	}

	matches, err := repo.Search(ctx, domain.SearchRequest{
		ResourceType: resourceType,
		Params:       flatten(values),
		Count:        2,
	})
	if err != nil {
		return nil, false, err
	}

	switch len(matches.Resources) {
	case 0:
		return nil, false, nil
	case 1:
		return matches.Resources[0], true, nil
	default:
		return nil, false, domain.ErrMultipleMatches
	}
}

func (d *Dispatcher) update(ctx context.Context, req domain.Request, repo domain.Repository, resourceType, id string) domain.DispatchResult {
	res, err := parseBody(req, resourceType)
	if err != nil {
		return failure(err)
	}
	if bodyID := gjson.GetBytes(req.Body(), "id"); bodyID.Exists() && bodyID.String() != id {
		return domain.OutcomeOnly(outcome.BadRequest("Incorrect ID", "id"))
	}
	res.ID = id

	updated, err := repo.UpdateResource(ctx, res, ParseETag(req.Header("If-Match")))
	if err != nil {
		return failure(err)
	}
	return domain.WithResource(outcome.OK(), updated)
}

func (d *Dispatcher) search(ctx context.Context, req domain.Request, repo domain.Repository, resourceType string) domain.DispatchResult {
	params := req.Query()
	if req.Method() == http.MethodPost && req.HasBody() {
		form, err := url.ParseQuery(string(req.Body()))
		if err != nil {
			return domain.OutcomeOnly(outcome.BadRequest("Invalid search body"))
		}
		for k, v := range flatten(form) {
			params[k] = v
		}
	}

	count, offset, err := paging(params)
	if err != nil {
		return failure(err)
	}

	result, err := repo.Search(ctx, domain.SearchRequest{
		ResourceType: resourceType,
		Params:       params,
		Count:        count,
		Offset:       offset,
	})
	if err != nil {
		return failure(err)
	}

	links := []domain.BundleLink{{Relation: "self", URL: d.pageURL(req.Pathname(), params, count, offset)}}
	if count > 0 && offset+count < result.Total {
		links = append(links, domain.BundleLink{Relation: "next", URL: d.pageURL(req.Pathname(), params, count, offset+count)})
	}
	if offset > 0 {
		links = append(links, domain.BundleLink{Relation: "previous", URL: d.pageURL(req.Pathname(), params, count, max(0, offset-count))})
	}

	bundle := domain.NewBundle(domain.BundleSearchSet, d.baseURL, result.Resources, result.Total, links...)
	return domain.WithResource(outcome.OK(), bundle)
}

func (d *Dispatcher) history(ctx context.Context, req domain.Request, repo domain.Repository, hr domain.HistoryRequest) domain.DispatchResult {
	count, _, err := paging(req.Query())
	if err != nil {
		return failure(err)
	}
	hr.Count = count

	entries, err := repo.ReadHistory(ctx, hr)
	if err != nil {
		return failure(err)
	}

	self := domain.BundleLink{Relation: "self", URL: d.baseURL + strings.TrimPrefix(req.Pathname(), "/")}
	bundle := domain.NewBundle(domain.BundleHistory, d.baseURL, entries, len(entries), self)
	return domain.WithResource(outcome.OK(), bundle)
}

func (d *Dispatcher) pageURL(pathname string, params map[string]string, count, offset int) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("_count", strconv.Itoa(count))
	if offset > 0 {
		q.Set("_offset", strconv.Itoa(offset))
	} else {
		q.Del("_offset")
	}
	return d.baseURL + strings.TrimPrefix(pathname, "/") + "?" + q.Encode()
}

// parseBody checks the body's resourceType against the path before decoding
// the full resource.
func parseBody(req domain.Request, resourceType string) (*domain.Resource, error) {
	body := req.Body()
	if len(body) == 0 {
		return nil, domain.InvalidError("Missing request body")
	}
	if !gjson.ValidBytes(body) {
		return nil, domain.InvalidError("Invalid JSON")
	}
	if rt := gjson.GetBytes(body, "resourceType"); rt.String() != resourceType {
		return nil, domain.InvalidError("Incorrect resource type", "resourceType")
	}
	return domain.ParseResource(body)
}

func paging(params map[string]string) (int, int, error) {
	count := defaultPageSize
	if raw, ok := params["_count"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, domain.InvalidError("Invalid _count", "_count")
		}
		count = min(n, maxPageSize)
	}

	offset := 0
	if raw, ok := params["_offset"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, domain.InvalidError("Invalid _offset", "_offset")
		}
		offset = n
	}
	return count, offset, nil
}

// ParseETag strips the weak prefix and quotes from an ETag header value.
func ParseETag(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = strings.Join(v, ",")
		}
	}
	return out
}

func failure(err error) domain.DispatchResult {
	return domain.OutcomeOnly(outcome.Normalize(err))
}

// UnsupportedOutcome is the not-found outcome for requests no interaction serves.
func UnsupportedOutcome() outcome.OperationOutcome {
	o := outcome.NotFound()
	o.Issue[0].Code = outcome.IssueNotSupported
	o.Issue[0].Details.Text = "Unsupported operation"
	return o
}
