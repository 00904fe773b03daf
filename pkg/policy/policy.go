package policy

import (
	"context"
	"errors"
	"slices"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the interaction.
	ActionAllow Action = "allow"
	// ActionDeny rejects the interaction with a forbidden outcome.
	ActionDeny Action = "deny"
)

// Interaction names presented to the policy as input.interaction.
const (
	InteractionCreate   = "create"
	InteractionRead     = "read"
	InteractionVRead    = "vread"
	InteractionUpdate   = "update"
	InteractionDelete   = "delete"
	InteractionSearch   = "search"
	InteractionHistory  = "history"
	InteractionReindex  = "reindex"
	InteractionResend   = "resend"
	InteractionExpunge  = "expunge"
	InteractionExport   = "export"
	InteractionValidate = "validate"
)

// Decision captures the result of an evaluation.
type Decision struct {
	Action Action
	Reason string
}

// Allowed reports whether the decision permits the interaction.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Subject identifies who an interaction is performed for.
type Subject struct {
	Actor  string
	Scopes []string
}

// Input provides context for policy evaluation.
type Input struct {
	Subject      Subject
	Interaction  string
	ResourceType string
	Entrypoint   string
	DisableCache bool
}

func (in Input) payload() map[string]any {
	return map[string]any{
		"actor":         in.Subject.Actor,
		"scopes":        slices.Clone(in.Subject.Scopes),
		"interaction":   in.Interaction,
		"resource_type": in.ResourceType,
	}
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, input Input) (Decision, error)

// Evaluate calls f.
func (f FilterFunc) Evaluate(ctx context.Context, input Input) (Decision, error) { return f(ctx, input) }

// Chain composes multiple filters, short-circuiting on the first deny.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a deny is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		switch decision.Action {
		case ActionAllow:
		case ActionDeny:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow}, nil
}
