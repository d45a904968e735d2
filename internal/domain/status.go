package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a donation transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// transitions lists the states reachable from each state. Self-transitions are
// handled separately and are always legal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusConfirmed, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	// CONFIRMED -> FAILED records a failure discovered after confirmation.
	// No compensating ledger action is attached to it.
	StatusConfirmed: {StatusFailed},
	StatusFailed:    {},
}

// Legacy names written by older clients.
var statusAliases = map[string]Status{
	"completed": StatusConfirmed,
	"cancelled": StatusFailed,
	"canceled":  StatusFailed,
}

// NormalizeStatus maps a raw status name, including legacy aliases, onto one of
// the canonical states.
func NormalizeStatus(raw string) (Status, error) {
	s := strings.TrimSpace(raw)
	if alias, ok := statusAliases[strings.ToLower(s)]; ok {
		return alias, nil
	}
	st := Status(strings.ToUpper(s))
	if _, ok := transitions[st]; !ok {
		return "", &ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", raw),
		}
	}
	return st, nil
}

// Valid reports whether s is a canonical state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedTransitions returns the states reachable from s, excluding s itself.
func AllowedTransitions(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether no other state is reachable from s.
func IsTerminal(s Status) bool {
	return s.Valid() && len(transitions[s]) == 0
}

// AssertValidTransition returns a *ValidationError carrying the allowed set when
// to is not reachable from from. Both arguments are normalized first.
func AssertValidTransition(from, to Status) error {
	f, err := NormalizeStatus(string(from))
	if err != nil {
		return err
	}
	t, err := NormalizeStatus(string(to))
	if err != nil {
		return err
	}
	if f == t {
		return nil
	}
	for _, next := range transitions[f] {
		if next == t {
			return nil
		}
	}
	return &ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("invalid status transition from %s to %s", f, t),
		From:    f,
		To:      t,
		Allowed: AllowedTransitions(f),
	}
}
