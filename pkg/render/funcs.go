package render

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultFilterName = "common"

func builtins(now time.Time) template.FuncMap {
	stamp := now.Format(time.RFC3339)
	return template.FuncMap{
		"current_time": func() string { return stamp },
		"env_var":      envVar,
		"as_yaml":      asYAML,
		"as_json":      asJSON,
		"as_base64":    asBase64,
		"filter1":      filter1,
		"filter2":      filter2,
	}
}

func envVar(name any) (string, error) {
	key, ok := name.(string)
	if !ok {
		return "", fmt.Errorf("env_var: name must be a string, got %T", name)
	}
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("env_var: environment variable %q is not set", key)
	}
	return value, nil
}

func asYAML(value any) (string, error) {
	out, err := yaml.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("as_yaml: %w", err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

// asJSON swaps double quotes for single quotes so the result can sit inside
// a double-quoted YAML string.
func asJSON(value any) (string, error) {
	out, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("as_json: %w", err)
	}
	return strings.ReplaceAll(string(out), `"`, `'`), nil
}

func asBase64(value any) (string, error) {
	out, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("as_base64: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func filter1(value any) any {
	return value
}

// filter2 appends "-name" to a string value. In a pipeline the piped value
// arrives last, so {{ .x | filter2 "env" }} calls filter2("env", x).
func filter2(args ...any) (string, error) {
	var name, value any
	switch len(args) {
	case 1:
		name, value = defaultFilterName, args[0]
	case 2:
		name, value = args[0], args[1]
	default:
		return "", fmt.Errorf("filter2: expected 1 or 2 arguments, got %d", len(args))
	}

	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("filter2: value must be a string, got %T", value)
	}
	n, ok := name.(string)
	if !ok {
		return "", fmt.Errorf("filter2: name must be a string, got %T", name)
	}
	return s + "-" + n, nil
}
