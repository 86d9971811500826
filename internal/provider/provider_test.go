package provider

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Provider
		wantErr  bool
	}{
		{input: "epic", expected: Epic},
		{input: " GOG ", expected: GOG},
		{input: "Steam", expected: Steam},
		{input: "origin", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			parsed, err := Parse(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownProvider) {
					t.Fatalf("expected unknown provider error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, parsed)
			}
		})
	}
}

func TestCredentialsLoginPrefersEmail(t *testing.T) {
	creds := Credentials{Email: "player@example.com", Username: "player"}
	if creds.Login() != "player@example.com" {
		t.Fatalf("expected email login, got %q", creds.Login())
	}
	creds.Email = ""
	if creds.Login() != "player" {
		t.Fatalf("expected username fallback, got %q", creds.Login())
	}
	if creds.HasTOTP() {
		t.Fatalf("expected no totp secret")
	}
}
