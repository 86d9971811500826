package claimer

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
)

// stubClaimer satisfies the Claimer contract for providers without automation.
// Claim reports a NotImplemented result instead of failing.
type stubClaimer struct {
	provider provider.Provider
	clock    func() time.Time
	lifecycle
}

// NewStubClaimer returns a claimer whose Claim always reports ErrProviderNotImplemented.
func NewStubClaimer(p provider.Provider, clock func() time.Time) Claimer {
	if clock == nil {
		clock = time.Now
	}
	return &stubClaimer{provider: p, clock: clock}
}

func (c *stubClaimer) Provider() provider.Provider {
	return c.provider
}

func (c *stubClaimer) State() State {
	return c.state
}

func (c *stubClaimer) Initialize(context.Context, provider.Credentials) error {
	return c.transition(StateInitialized)
}

func (c *stubClaimer) Login(context.Context, provider.Credentials) (bool, error) {
	return false, fmt.Errorf("%w: %s", ErrProviderNotImplemented, c.provider)
}

func (c *stubClaimer) Claim(_ context.Context, userID string, _ provider.Credentials) Result {
	defer func() { _ = c.Cleanup() }()
	return NotImplementedResult(userID, c.provider, c.clock())
}

func (c *stubClaimer) Cleanup() error {
	if c.state == StateCleaned {
		return nil
	}
	return c.transition(StateCleaned)
}
