// Package provider names the supported storefronts and the credential payload stored per storefront.
package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider indicates that a provider name is not one of the supported storefronts.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Provider identifies a third-party storefront.
type Provider string

const (
	// Epic is the Epic Games Store.
	Epic Provider = "epic"
	// GOG is GOG.com.
	GOG Provider = "gog"
	// Steam is the Steam store.
	Steam Provider = "steam"
)

// All returns every supported provider in a stable order.
func All() []Provider {
	return []Provider{Epic, GOG, Steam}
}

// Parse validates raw input and returns a Provider.
func Parse(rawInput string) (Provider, error) {
	normalized := Provider(strings.ToLower(strings.TrimSpace(rawInput)))
	switch normalized {
	case Epic, GOG, Steam:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, rawInput)
	}
}

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// Cookie is a saved browser cookie hydrated into a fresh session.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Credentials is the decrypted login payload for one provider.
type Credentials struct {
	Email       string   `json:"email,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password"`
	TOTPSecret  string   `json:"totpSecret,omitempty"`
	ParentalPIN string   `json:"parentalPin,omitempty"`
	Cookies     []Cookie `json:"cookies,omitempty"`
}

// Login returns the identifier typed into the login form.
func (c Credentials) Login() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Username
}

// HasTOTP reports whether a shared TOTP secret is stored.
func (c Credentials) HasTOTP() bool {
	return strings.TrimSpace(c.TOTPSecret) != ""
}
