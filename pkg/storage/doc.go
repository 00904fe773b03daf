// Package storage provides in-memory implementations of the FHIR server's
// persistence collaborators: a versioned resource repository, a binary store
// and a bulk-export job registry.
package storage
