package claimer

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotImplemented indicates a provider with no working automation.
	ErrProviderNotImplemented = errors.New("claimer: provider not implemented")
	// ErrLoginFailure indicates that the authenticated-only marker never appeared after login.
	ErrLoginFailure = errors.New("claimer: login failed")
	// ErrNavigationTimeout indicates that a page action exceeded the action timeout.
	ErrNavigationTimeout = errors.New("claimer: navigation timeout")
	// ErrClaimUnclear indicates that no confirmation marker was found after acquisition.
	// The game is reported as not claimed.
	ErrClaimUnclear = errors.New("claimer: claim outcome unclear")
	// ErrInvalidState indicates an out-of-order lifecycle call.
	ErrInvalidState = errors.New("claimer: invalid lifecycle transition")
)

// GameError ties a per-game failure to its title.
type GameError struct {
	Title string
	Err   error
}

func (e *GameError) Error() string {
	return fmt.Sprintf("%s: %v", e.Title, e.Err)
}

func (e *GameError) Unwrap() error {
	return e.Err
}
