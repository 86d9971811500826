package envelope

import "strings"

const (
	maskedPlaceholder = "***"
	revealThreshold   = 8
	revealEdge        = 2
)

// DefaultSensitiveFields names the credential and request fields masked before logging.
var DefaultSensitiveFields = []string{
	"password",
	"token",
	"totpSecret",
	"secret",
	"parentalPin",
	"cookies",
	"apiKey",
}

// Mask returns a copy of payload with sensitive fields masked. Nested maps and slices are
// copied and masked recursively; the input is never mutated.
//
// Fields whose name contains "password" are always replaced with the placeholder. Other
// sensitive string values longer than eight characters keep their first and last two
// characters; shorter or non-string values are replaced entirely.
func Mask(payload map[string]interface{}, sensitiveFields []string) map[string]interface{} {
	if payload == nil {
		return nil
	}
	sensitive := make(map[string]struct{}, len(sensitiveFields))
	for _, field := range sensitiveFields {
		sensitive[strings.ToLower(field)] = struct{}{}
	}
	return maskMap(payload, sensitive)
}

func maskMap(payload map[string]interface{}, sensitive map[string]struct{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(payload))
	for field, value := range payload {
		lowered := strings.ToLower(field)
		if strings.Contains(lowered, "password") {
			masked[field] = maskedPlaceholder
			continue
		}
		if _, ok := sensitive[lowered]; ok {
			masked[field] = maskValue(value)
			continue
		}
		masked[field] = copyValue(value, sensitive)
	}
	return masked
}

func copyValue(value interface{}, sensitive map[string]struct{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		return maskMap(typed, sensitive)
	case []interface{}:
		copied := make([]interface{}, len(typed))
		for index, item := range typed {
			copied[index] = copyValue(item, sensitive)
		}
		return copied
	default:
		return value
	}
}

func maskValue(value interface{}) string {
	text, ok := value.(string)
	if !ok {
		return maskedPlaceholder
	}
	runes := []rune(text)
	if len(runes) <= revealThreshold {
		return maskedPlaceholder
	}
	return string(runes[:revealEdge]) + "..." + string(runes[len(runes)-revealEdge:])
}
