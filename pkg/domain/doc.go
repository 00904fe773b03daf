// Package domain defines the core types and collaborator interfaces of the
// FHIR dispatch layer.
//
// This package depends only on the Go standard library, pkg/outcome and
// google/uuid. Types here are transport-agnostic:
//
//   - Request is the immutable, transport-independent view of one HTTP request
//   - Resource is a FHIR resource whose type-specific fields are opaque
//   - DispatchResult is the (outcome[, resource]) pair handlers return
//   - AuthContext is the per-request authenticated execution context
//
// Collaborators (Repository, Authenticator, AttachmentRewriter, Validator,
// BulkExporter, BinaryStore, ConfigProvider) are declared here and implemented
// by other packages. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
