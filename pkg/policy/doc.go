// Package policy evaluates access decisions for FHIR interactions with an
// embedded Open Policy Agent engine and enforces them by decorating a
// domain.Repository.
//
// Every repository call made on behalf of an actor is translated into an
// Input (actor, scopes, interaction, resource type) and evaluated against
// the Rego entrypoint fhir/authz/decision. A deny decision surfaces as a
// forbidden OperationOutcome error, so callers never need to know the
// repository is guarded. Evaluation failures follow the configured Mode.
package policy
