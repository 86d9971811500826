package claimer

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// TOTPGenerator derives time-based one-time codes from a shared secret.
type TOTPGenerator interface {
	Code(secret string, at time.Time) (string, error)
}

type rfc6238Generator struct{}

// NewTOTPGenerator returns the standard 30-second, 6-digit SHA1 generator.
func NewTOTPGenerator() TOTPGenerator {
	return rfc6238Generator{}
}

func (rfc6238Generator) Code(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		return "", fmt.Errorf("claimer: generate totp code: %w", err)
	}
	return code, nil
}
