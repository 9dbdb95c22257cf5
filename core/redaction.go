package core

import "strings"

const RedactedValue = "[REDACTED]"

// sensitiveMarkers match anywhere in a lowercased key, so "X-Shopify-Hmac-Sha256"
// and "refresh_token" are both caught.
var sensitiveMarkers = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"credential",
	"signature",
	"hmac",
	"auth_code",
	"private_key",
}

// traceKeys are never redacted even when they contain a marker.
var traceKeys = map[string]struct{}{
	"provider":        {},
	"user_id":         {},
	"identity":        {},
	"operation_class": {},
	"delivery_id":     {},
	"event_type":      {},
	"idempotency_key": {},
	"token_type":      {},
	"trace_id":        {},
	"request_id":      {},
}

// RedactSensitiveMap returns a copy of fields with secret-looking values
// replaced. Nested maps, header maps and slices are walked.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if IsSensitiveKey(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func IsSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if _, ok := traceKeys[key]; ok {
		return false
	}
	for _, marker := range sensitiveMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return RedactSensitiveMap(v)
	case map[string]string:
		headers := make(map[string]string, len(v))
		for key, header := range v {
			if IsSensitiveKey(key) {
				header = RedactedValue
			}
			headers[key] = header
		}
		return headers
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = redactValue(item)
		}
		return items
	case []map[string]any:
		items := make([]map[string]any, len(v))
		for i, item := range v {
			items[i] = RedactSensitiveMap(item)
		}
		return items
	}
	return value
}
