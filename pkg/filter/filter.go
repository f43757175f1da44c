// Package filter sanitizes Matrix /filter request bodies so that
// m.room.encrypted events always reach the shadow client, regardless
// of what timeline event types the downstream client asked for.
// Decryption needs the ciphertext event to arrive over sync even if
// the client only wants to render m.room.message.
package filter

import "encoding/json"

const encryptedEventType = "m.room.encrypted"

// Sanitize returns a copy of a parsed filter JSON object with
// room.timeline.types and room.timeline.not_types adjusted so that
// m.room.encrypted is always included and never excluded. The input
// map is never mutated; Sanitize is idempotent - applying it twice
// yields the same result as applying it once.
func Sanitize(filterJSON map[string]interface{}) map[string]interface{} {
	out := deepCopy(filterJSON)

	room, ok := out["room"].(map[string]interface{})
	if !ok {
		return out
	}
	timeline, ok := room["timeline"].(map[string]interface{})
	if !ok {
		return out
	}

	if rawTypes, present := timeline["types"]; present {
		if types := toStringSlice(rawTypes); len(types) > 0 {
			timeline["types"] = ensureIncluded(types, encryptedEventType)
		}
	}

	if rawNotTypes, present := timeline["not_types"]; present {
		if notTypes := toStringSlice(rawNotTypes); len(notTypes) > 0 {
			timeline["not_types"] = removeIfPresent(notTypes, encryptedEventType)
		}
	}

	return out
}

// SanitizeBytes parses a raw filter request body, sanitizes it and
// re-marshals it. A body that fails to parse as JSON is returned
// unchanged alongside the decode error; the caller decides whether to
// keep the original bytes (the Sync filter query parameter) or reject
// the request (the Filter endpoint answers 400 M_NOT_JSON).
func SanitizeBytes(body []byte) ([]byte, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, err
	}
	sanitized := Sanitize(parsed)
	return json.Marshal(sanitized)
}

func ensureIncluded(types []string, want string) []string {
	for _, t := range types {
		if t == want {
			return types
		}
	}
	return append(types, want)
}

func removeIfPresent(types []string, unwant string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t != unwant {
			out = append(out, t)
		}
	}
	return out
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(vv)
		case []interface{}:
			cp := make([]interface{}, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
