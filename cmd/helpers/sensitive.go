package helpers

import "strings"

// MaskValue is the default mask used for sensitive fields
const MaskValue = "***********"

// sensitiveFields are backend options that never reach the terminal.
var sensitiveFields = []string{"password", "connection_url", "secret_key", "sasl_password", "key", "token", "client_secret"}

// MaskConfigFields masks sensitive config values.
func MaskConfigFields(config map[string]string) map[string]string {
	masked := make(map[string]string, len(config))
	for k, v := range config {
		masked[k] = MaskSingleValue(k, v)
	}
	return masked
}

// MaskSingleValue returns the mask if fieldName is sensitive.
func MaskSingleValue(fieldName, value string) string {
	for _, f := range sensitiveFields {
		if strings.EqualFold(fieldName, f) {
			return MaskValue
		}
	}
	return value
}
