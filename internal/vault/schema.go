package vault

import (
	"bytes"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/go-playground/validator/v10"
)

// ErrValidation indicates a malformed credential payload.
var ErrValidation = errors.New("vault: credential validation failed")

// FieldError names a payload field and the rule it violated.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists every rule a credential payload violated.
type ValidationError struct {
	Provider provider.Provider
	Fields   []FieldError
	Reason   string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("vault: invalid %s credentials: %s", e.Provider, e.Reason)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+":"+field.Rule)
	}
	return fmt.Sprintf("vault: invalid %s credentials: %s", e.Provider, strings.Join(parts, ", "))
}

// Is reports ErrValidation equivalence for errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SchemaValidator checks a raw credential payload against the provider's schema.
type SchemaValidator interface {
	Validate(p provider.Provider, raw []byte) (provider.Credentials, error)
}

type cookieSchema struct {
	Name     string `json:"name" validate:"required,max=256"`
	Value    string `json:"value" validate:"max=4096"`
	Domain   string `json:"domain" validate:"required,max=256"`
	Path     string `json:"path" validate:"max=512"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
}

type epicSchema struct {
	Email       string         `json:"email" validate:"required,email,max=320"`
	Password    string         `json:"password" validate:"required,max=256"`
	TOTPSecret  string         `json:"totpSecret" validate:"omitempty,totp_secret"`
	ParentalPIN string         `json:"parentalPin" validate:"omitempty,numeric,len=4"`
	Cookies     []cookieSchema `json:"cookies" validate:"omitempty,max=200,dive"`
}

type gogSchema struct {
	Email      string         `json:"email" validate:"required_without=Username,omitempty,email,max=320"`
	Username   string         `json:"username" validate:"omitempty,max=64"`
	Password   string         `json:"password" validate:"required,max=256"`
	TOTPSecret string         `json:"totpSecret" validate:"omitempty,totp_secret"`
	Cookies    []cookieSchema `json:"cookies" validate:"omitempty,max=200,dive"`
}

type steamSchema struct {
	Username   string         `json:"username" validate:"required,max=64"`
	Password   string         `json:"password" validate:"required,max=256"`
	TOTPSecret string         `json:"totpSecret" validate:"omitempty,max=128"`
	Cookies    []cookieSchema `json:"cookies" validate:"omitempty,max=200,dive"`
}

type playgroundValidator struct {
	validate *validator.Validate
}

// NewSchemaValidator returns the provider schema validator backed by struct tags.
func NewSchemaValidator() SchemaValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("totp_secret", validateTOTPSecret); err != nil {
		panic(err)
	}
	return &playgroundValidator{validate: validate}
}

func (v *playgroundValidator) Validate(p provider.Provider, raw []byte) (provider.Credentials, error) {
	switch p {
	case provider.Epic:
		var schema epicSchema
		if err := v.decodeAndCheck(p, raw, &schema); err != nil {
			return provider.Credentials{}, err
		}
		return provider.Credentials{
			Email:       strings.TrimSpace(schema.Email),
			Password:    schema.Password,
			TOTPSecret:  normalizeTOTPSecret(schema.TOTPSecret),
			ParentalPIN: schema.ParentalPIN,
			Cookies:     convertCookies(schema.Cookies),
		}, nil
	case provider.GOG:
		var schema gogSchema
		if err := v.decodeAndCheck(p, raw, &schema); err != nil {
			return provider.Credentials{}, err
		}
		return provider.Credentials{
			Email:      strings.TrimSpace(schema.Email),
			Username:   strings.TrimSpace(schema.Username),
			Password:   schema.Password,
			TOTPSecret: normalizeTOTPSecret(schema.TOTPSecret),
			Cookies:    convertCookies(schema.Cookies),
		}, nil
	case provider.Steam:
		var schema steamSchema
		if err := v.decodeAndCheck(p, raw, &schema); err != nil {
			return provider.Credentials{}, err
		}
		return provider.Credentials{
			Username:   strings.TrimSpace(schema.Username),
			Password:   schema.Password,
			TOTPSecret: strings.TrimSpace(schema.TOTPSecret),
			Cookies:    convertCookies(schema.Cookies),
		}, nil
	default:
		return provider.Credentials{}, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, p)
	}
}

func (v *playgroundValidator) decodeAndCheck(p provider.Provider, raw []byte, schema interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &ValidationError{Provider: p, Reason: "empty payload"}
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(schema); err != nil {
		return &ValidationError{Provider: p, Reason: err.Error()}
	}
	if err := v.validate.Struct(schema); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return &ValidationError{Provider: p, Reason: err.Error()}
		}
		validationErr := &ValidationError{Provider: p, Fields: make([]FieldError, 0, len(fieldErrors))}
		for _, fieldErr := range fieldErrors {
			validationErr.Fields = append(validationErr.Fields, FieldError{
				Field: strings.TrimPrefix(fieldErr.Namespace(), reflect.TypeOf(schema).Elem().Name()+"."),
				Rule:  fieldErr.Tag(),
			})
		}
		return validationErr
	}
	return nil
}

func convertCookies(cookies []cookieSchema) []provider.Cookie {
	if len(cookies) == 0 {
		return nil
	}
	converted := make([]provider.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		converted = append(converted, provider.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			HTTPOnly: cookie.HTTPOnly,
		})
	}
	return converted
}

func normalizeTOTPSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

func validateTOTPSecret(field validator.FieldLevel) bool {
	secret := strings.TrimRight(normalizeTOTPSecret(field.Field().String()), "=")
	if len(secret) < 16 {
		return false
	}
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	return err == nil
}
