// Package governance holds the runtime safety controls of the FHIR API:
// per-actor rate limiting and the request timeout applied to collaborator
// calls. Both can be reconfigured while the server is running.
package governance
