package domain

import (
	"context"
	"net/http"
	"time"
)

// SearchRequest is a simple resource search. An empty ResourceType searches
// across all types. A negative Count returns every match; zero returns only
// the total.
type SearchRequest struct {
	ResourceType string
	Params       map[string]string
	Count        int
	Offset       int
}

// SearchResult holds one page of matches and the total match count.
type SearchResult struct {
	Resources []*Resource
	Total     int
}

// HistoryRequest selects instance, type or system history.
type HistoryRequest struct {
	ResourceType string
	ID           string
	Count        int
}

// Repository is the persistence collaborator. Errors returned should wrap an
// outcome.Error (see ErrNotFound etc.) so they translate to a proper status.
type Repository interface {
	CreateResource(ctx context.Context, resource *Resource) (*Resource, error)
	ReadResource(ctx context.Context, resourceType, id string) (*Resource, error)
	ReadVersion(ctx context.Context, resourceType, id, versionID string) (*Resource, error)
	// UpdateResource replaces a resource. A non-empty ifMatch must equal the
	// current versionId.
	UpdateResource(ctx context.Context, resource *Resource, ifMatch string) (*Resource, error)
	DeleteResource(ctx context.Context, resourceType, id string) error
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	ReadHistory(ctx context.Context, req HistoryRequest) ([]*Resource, error)
	Reindex(ctx context.Context, resourceType, id string) error
	ResendSubscriptions(ctx context.Context, resourceType, id string) error
	Expunge(ctx context.Context, resourceType, id string) error
}

// Authenticator turns a transport request into an AuthContext or rejects it.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error)
}

// RewriteMode selects how attachment references are rewritten.
type RewriteMode int

const (
	// RewriteReference leaves internal Binary references in place.
	RewriteReference RewriteMode = iota
	// RewritePresignedURL replaces Binary references with signed URLs.
	RewritePresignedURL
)

func (m RewriteMode) String() string {
	switch m {
	case RewriteReference:
		return "reference"
	case RewritePresignedURL:
		return "presigned-url"
	default:
		return "unknown"
	}
}

// AttachmentRewriter rewrites the attachment references embedded in a
// resource, using repo to check that the caller can read each Binary.
type AttachmentRewriter interface {
	Rewrite(ctx context.Context, mode RewriteMode, repo Repository, resource *Resource) (*Resource, error)
}

// Validator checks a resource. It returns nil or an error carrying the
// validation outcome.
type Validator interface {
	Validate(ctx context.Context, resource *Resource) error
}

// Binary is raw attachment content.
type Binary struct {
	ID          string
	ContentType string
	Data        []byte
}

// BinaryStore stores attachment content.
type BinaryStore interface {
	WriteBinary(ctx context.Context, binary Binary) error
	ReadBinary(ctx context.Context, id string) (*Binary, error)
}

// Export levels.
const (
	ExportSystem  = "system"
	ExportPatient = "patient"
	ExportGroup   = "group"
)

// ExportRequest describes a bulk data export.
type ExportRequest struct {
	Level         string
	ResourceTypes []string
	GroupID       string
	Since         *time.Time
	RequestURL    string
}

// ExportOutput is one NDJSON file of an export.
type ExportOutput struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// Export job states.
const (
	ExportAccepted  = "accepted"
	ExportCompleted = "completed"
	ExportFailed    = "error"
)

// ExportJob tracks a bulk export.
type ExportJob struct {
	ID              string
	Status          string
	Request         ExportRequest
	TransactionTime time.Time
	Output          []ExportOutput
	Error           string
}

// BulkExporter orchestrates bulk exports.
type BulkExporter interface {
	StartExport(ctx context.Context, auth *AuthContext, req ExportRequest) (*ExportJob, error)
	GetExport(ctx context.Context, id string) (*ExportJob, error)
}

// Settings are process-wide, read-only server settings.
type Settings struct {
	BaseURL              string
	IntrospectionEnabled bool
	FHIRVersion          string
	SoftwareName         string
	SoftwareVersion      string
}

// ConfigProvider exposes the current settings.
type ConfigProvider interface {
	Settings() Settings
}
