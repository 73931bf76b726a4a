package domain

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// DecodePayload turns a webhook body into a generic map. Gateways post
// either JSON or form-encoded bodies; form values win when present.
func DecodePayload(payload []byte, form url.Values) (map[string]any, error) {
	out := map[string]any{}
	if len(payload) > 0 && json.Valid(payload) {
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, ErrInvalidPayload
		}
	}
	for key, values := range form {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidPayload
	}
	return out, nil
}

// ReadString returns the first non-empty string value among keys.
func ReadString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := m[key]
		if !ok {
			continue
		}
		switch cast := value.(type) {
		case string:
			if s := strings.TrimSpace(cast); s != "" {
				return s
			}
		case json.Number:
			return cast.String()
		case float64:
			if cast != 0 {
				return strconv.FormatFloat(cast, 'f', -1, 64)
			}
		}
	}
	return ""
}

// ReadNested returns the map under key, or nil.
func ReadNested(m map[string]any, key string) map[string]any {
	value, ok := m[key]
	if !ok {
		return nil
	}
	nested, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return nested
}

