// Package telemetry wires OpenTelemetry tracing, meters and Prometheus HTTP
// metrics for the FHIR server.
//
// It centralises trace provider setup, records per-interaction dispatch
// counters, annotates spans with access-control decisions and redacts
// patient-identifying attributes before they leave the process.
package telemetry
