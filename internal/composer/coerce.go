package composer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoerceArguments adjusts string-typed argument values to the types the
// tool's inputSchema declares. Clients frequently send "5" for an integer
// or a JSON-encoded list for an array. Values that cannot be converted are
// passed through for the server to reject; arrays and objects are never
// turned into strings.
func CoerceArguments(schema, args json.RawMessage) (json.RawMessage, error) {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || string(args) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(args, &values); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	props := schemaProperties(schema)
	if len(props) == 0 {
		return args, nil
	}

	changed := false
	for key, raw := range values {
		want := props[key]
		if want == "" || len(raw) == 0 || raw[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if out, ok := coerceString(s, want); ok {
			values[key] = out
			changed = true
		}
	}
	if !changed {
		return args, nil
	}
	return json.Marshal(values)
}

func coerceString(s, want string) (json.RawMessage, bool) {
	t := strings.TrimSpace(s)
	switch want {
	case "integer":
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return json.RawMessage(strconv.FormatInt(n, 10)), true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return json.RawMessage(strconv.FormatFloat(f, 'f', -1, 64)), true
		}
	case "number":
		if f, err := strconv.ParseFloat(t, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return json.RawMessage(strconv.FormatFloat(f, 'f', -1, 64)), true
		}
	case "boolean":
		if b, err := strconv.ParseBool(t); err == nil {
			return json.RawMessage(strconv.FormatBool(b)), true
		}
	case "array", "object":
		open := byte('[')
		if want == "object" {
			open = '{'
		}
		if t != "" && t[0] == open && json.Valid([]byte(t)) {
			return json.RawMessage(t), true
		}
	}
	return nil, false
}

// schemaProperties returns property name to declared type. A type list
// such as ["integer","null"] yields its first non-null entry.
func schemaProperties(schema json.RawMessage) map[string]string {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Properties map[string]struct {
			Type json.RawMessage `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	out := make(map[string]string, len(s.Properties))
	for name, p := range s.Properties {
		if t := typeName(p.Type); t != "" {
			out[name] = t
		}
	}
	return out
}

func typeName(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, t := range many {
			if t != "null" {
				return t
			}
		}
	}
	return ""
}
