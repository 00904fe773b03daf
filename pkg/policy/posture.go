package policy

import (
	"fmt"
	"strings"
)

// Mode indicates whether access control fails open or closed when the
// engine cannot produce a decision.
type Mode string

const (
	// ModeFailClosed denies interactions when evaluation fails.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows interactions when evaluation fails.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode normalises a configured posture. Empty selects fail-closed.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeFailClosed:
		return ModeFailClosed, nil
	case ModeFailOpen:
		return ModeFailOpen, nil
	default:
		return "", fmt.Errorf("unsupported policy mode %q", value)
	}
}

// onError converts an evaluation failure into a decision. The reason reaches
// clients, so the evaluation error itself is left to the caller's log.
func (m Mode) onError() Decision {
	if m == ModeFailOpen {
		return Decision{Action: ActionAllow, Reason: "fail-open: policy evaluation failed"}
	}
	return Decision{Action: ActionDeny, Reason: "fail-closed: policy evaluation failed"}
}
