package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns the config body as JSON so one strict decoder serves both
// formats. .json files pass through, .yaml/.yml are converted, and anything
// else is sniffed: a leading '{' means JSON.
func toJSON(name string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
	default:
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
			return data, nil
		}
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes so encoding/json accepts them.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range node {
			node[k] = stringKeys(val)
		}
		return node
	case []any:
		for i := range node {
			node[i] = stringKeys(node[i])
		}
		return node
	}
	return v
}
