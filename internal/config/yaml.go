package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The nitwatch config file is YAML in practice but JSON is accepted too.
// Only one decoder enforces the schema: YAML input is unmarshaled loosely
// here and re-encoded as JSON, and Manager.Parse then runs the strict
// DisallowUnknownFields decode over either format identically.

// toStrictJSON returns the file content as JSON bytes, converting from YAML
// when the file extension says so.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	j, err := json.Marshal(jsonSafe(v))
	if err != nil {
		return nil, fmt.Errorf("convert yaml config: %w", err)
	}
	return j, nil
}

// jsonSafe rewrites YAML's any-keyed maps to string keys, recursively, so
// the value survives json.Marshal.
func jsonSafe(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonSafe(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonSafe(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	default:
		return in
	}
}
