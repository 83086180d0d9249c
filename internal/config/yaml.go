package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats go through
// the same strict decoder. An empty document becomes {}.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(jsonable("", doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// jsonable stringifies map keys and turns bare numbers under duration keys
// into seconds ("retry_delay: 2" reads as "2s").
func jsonable(key string, v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonable(k, e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			ks := fmt.Sprint(k)
			m[ks] = jsonable(ks, e)
		}
		return m
	case []any:
		for i := range x {
			x[i] = jsonable("", x[i])
		}
		return x
	case int:
		if isDurationKey(key) {
			return fmt.Sprintf("%ds", x)
		}
	case float64:
		if isDurationKey(key) {
			return fmt.Sprintf("%gs", x)
		}
	}
	return v
}

func isDurationKey(key string) bool {
	for _, suffix := range []string{"_timeout", "_delay", "_interval"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return key == "timeout"
}
