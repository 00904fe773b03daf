package server

import (
	"net/http"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/route"
)

// Route names, used as metric labels.
const (
	RouteMetadata        = "metadata"
	RouteVersions        = "versions"
	RouteSmartConfig     = "smart-configuration"
	RouteOpenIDConfig    = "openid-configuration"
	RouteStorage         = "storage"
	RouteExportSystem    = "export-system"
	RouteExportType      = "export-type"
	RouteExportGroup     = "export-group"
	RouteExportStatus    = "export-status"
	RouteValidate        = "validate"
	RouteReindex         = "reindex"
	RouteResend          = "resend"
	RouteEverything      = "everything"
	RouteExpunge         = "expunge"
	RouteGenericDispatch = "dispatch"
)

type routeSpec struct {
	name    string
	methods []string
	pattern string
	public  bool
	handler handlerFunc
}

// buildRoutes declares the API surface. Order is priority: public documents,
// then special operations, then the generic dispatcher catch-all.
func (s *Server) buildRoutes() (*route.Table[handlerFunc], error) {
	getPost := []string{http.MethodGet, http.MethodPost}
	get := []string{http.MethodGet}
	post := []string{http.MethodPost}

	specs := []routeSpec{
		{RouteMetadata, get, "/metadata", true, s.handleMetadata},
		{RouteVersions, get, "/$versions", true, s.handleVersions},
		{RouteSmartConfig, get, "/.well-known/smart-configuration", true, s.handleSmartConfiguration},
		{RouteOpenIDConfig, get, "/.well-known/openid-configuration", true, s.handleOpenIDConfiguration},
		{RouteStorage, get, "/storage/:id", true, s.handleStorage},

		{RouteExportSystem, getPost, "/$export/*", false, s.handleExport(domain.ExportSystem)},
		{RouteExportGroup, getPost, "/Group/:id/$export/*", false, s.handleExport(domain.ExportGroup)},
		{RouteExportType, getPost, "/:resourceType/$export/*", false, s.handleTypeExport},
		{RouteExportStatus, get, "/bulkdata/export/:id", false, s.handleExportStatus},
		{RouteValidate, post, "/:resourceType/$validate/*", false, s.handleValidate},
		{RouteReindex, post, "/:resourceType/:id/$reindex", false, s.handleReindex},
		{RouteResend, post, "/:resourceType/:id/$resend", false, s.handleResend},
		{RouteEverything, get, "/Patient/:id/$everything", false, s.handleEverything},
		{RouteExpunge, post, "/:resourceType/:id/$expunge", false, s.handleExpunge},

		{RouteGenericDispatch, []string{route.AnyMethod}, "/*", false, s.handleDispatch},
	}

	table := route.NewTable[handlerFunc]()
	for _, spec := range specs {
		for _, method := range spec.methods {
			if err := table.Handle(spec.name, method, spec.pattern, spec.public, spec.handler); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}
