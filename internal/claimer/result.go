package claimer

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
)

// Game is a free offer discovered on a storefront listing.
type Game struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Result is the outcome of one claim invocation for one user and provider.
// Claimed, Failed, AlreadyOwned, and Skipped hold titles in discovery order.
type Result struct {
	UserID         string            `json:"userId"`
	Provider       provider.Provider `json:"provider"`
	Success        bool              `json:"success"`
	NotImplemented bool              `json:"notImplemented,omitempty"`
	Claimed        []string          `json:"claimed"`
	Failed         []string          `json:"failed"`
	AlreadyOwned   []string          `json:"alreadyOwned"`
	Skipped        []string          `json:"skipped,omitempty"`
	Errors         []error           `json:"-"`
	Timestamp      time.Time         `json:"timestamp"`
}

// NewResult returns an empty unsuccessful result.
func NewResult(userID string, p provider.Provider, now time.Time) Result {
	return Result{
		UserID:       userID,
		Provider:     p,
		Claimed:      []string{},
		Failed:       []string{},
		AlreadyOwned: []string{},
		Timestamp:    now.UTC(),
	}
}

// FailedResult returns a result carrying err as its sole error.
func FailedResult(userID string, p provider.Provider, now time.Time, err error) Result {
	result := NewResult(userID, p, now)
	result.Errors = []error{err}
	return result
}

// NotImplementedResult is the explicit result variant for providers without automation.
func NotImplementedResult(userID string, p provider.Provider, now time.Time) Result {
	result := FailedResult(userID, p, now, fmt.Errorf("%w: %s", ErrProviderNotImplemented, p))
	result.NotImplemented = true
	return result
}

// FirstError returns the first recorded error, or nil.
func (r Result) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// ErrorMessages renders the recorded errors.
func (r Result) ErrorMessages() []string {
	messages := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		messages = append(messages, err.Error())
	}
	return messages
}

func (r *Result) recordFailure(title string, err error) {
	r.Failed = append(r.Failed, title)
	r.Errors = append(r.Errors, &GameError{Title: title, Err: err})
}
