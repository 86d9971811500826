// Package claimer drives storefront browser sessions that log in and acquire free offers.
// One Claimer instance serves exactly one claim invocation.
package claimer

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
)

// State is a claimer lifecycle phase.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateLoggedIn
	StateClaiming
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateLoggedIn:
		return "logged_in"
	case StateClaiming:
		return "claiming"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Claimer is the per-provider automation capability.
//
// Claim runs the whole lifecycle and always ends in Cleanup, including when a step panics.
// Initialize and Login are exported so a caller may verify credentials without claiming.
type Claimer interface {
	Provider() provider.Provider
	Initialize(ctx context.Context, credentials provider.Credentials) error
	Login(ctx context.Context, credentials provider.Credentials) (bool, error)
	Claim(ctx context.Context, userID string, credentials provider.Credentials) Result
	Cleanup() error
	State() State
}

// lifecycle enforces Uninitialized → Initialized → (LoggedIn) → Claiming → Cleaned.
type lifecycle struct {
	state State
}

func (l *lifecycle) transition(next State) error {
	allowed := false
	switch next {
	case StateInitialized:
		allowed = l.state == StateUninitialized
	case StateLoggedIn:
		allowed = l.state == StateInitialized
	case StateClaiming:
		allowed = l.state == StateInitialized || l.state == StateLoggedIn
	case StateCleaned:
		allowed = l.state != StateCleaned
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, l.state, next)
	}
	l.state = next
	return nil
}
