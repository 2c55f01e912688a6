package tasks

import (
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Decode builds a task from its YAML mapping. Two shapes are accepted:
//
//	- name: build
//	  dx.core.bash: make all
//	  register: build_out
//
//	- dx.core.print:
//	    command: info
//	    name: show region
//	    vars:
//	      resource: "{{ .region }}"
//
// Exactly one kind key must be present. In the nested shape, fields inside
// the kind mapping win over fields next to it.
func Decode(raw map[string]any, deps Deps) (Task, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}

	kind, fields, err := Flatten(raw)
	if err != nil {
		return nil, err
	}

	var spec Spec
	if err := decodeSpec(fields, &spec); err != nil {
		return nil, fmt.Errorf("task %s: %w", kind, err)
	}

	switch spec.State {
	case "", "present", "absent":
	default:
		return nil, fmt.Errorf("task %s: invalid state %q (expected present or absent)", kind, spec.State)
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("task %s: timeout must not be negative", kind)
	}

	switch kind {
	case KindBash, KindWinCmd, KindAzureCLI:
		if strings.TrimSpace(spec.Command) == "" {
			return nil, fmt.Errorf("task %s: command is required", kind)
		}
		return newCommandTask(kind, spec, deps), nil
	case KindAzureLogin:
		return newAzureLoginTask(spec, deps), nil
	case KindPrint:
		t, err := newPrintTask(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", kind, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unsupported task kind %q", kind)
}

// Flatten returns the task's kind and its fields in the flat shape, with
// the kind body folded in as "command" or as nested fields. Login
// credentials given next to the other fields are moved into vars.
func Flatten(raw map[string]any) (Kind, map[string]any, error) {
	kind, err := kindOf(raw)
	if err != nil {
		return "", nil, err
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != string(kind) {
			fields[k] = v
		}
	}

	switch body := raw[string(kind)].(type) {
	case nil:
	case string:
		fields["command"] = body
	case map[string]any:
		for k, v := range body {
			fields[k] = v
		}
	default:
		return "", nil, fmt.Errorf("task %s: expected a command string or a mapping, got %T", kind, body)
	}

	if kind == KindAzureLogin {
		liftCredentials(fields)
	}
	return kind, fields, nil
}

// DecodeAll decodes a list of task mappings, reporting the index of the
// first failure.
func DecodeAll(raw []any, deps Deps) ([]Task, error) {
	out := make([]Task, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tasks[%d]: expected a mapping, got %T", i, item)
		}
		t, err := Decode(m, deps)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func kindOf(raw map[string]any) (Kind, error) {
	var found []Kind
	for _, k := range Kinds() {
		if _, ok := raw[string(k)]; ok {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("task has no kind (keys: %s)", strings.Join(keys, ", "))
	default:
		return "", fmt.Errorf("task has more than one kind: %v", found)
	}
}

// liftCredentials moves login credentials given next to the other fields
// into vars.
func liftCredentials(fields map[string]any) {
	vars, _ := fields["vars"].(map[string]any)
	vars = maps.Clone(vars)
	for _, key := range []string{"client_id", "client_secret", "tenant_id"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if vars == nil {
			vars = make(map[string]any)
		}
		if _, set := vars[key]; !set {
			vars[key] = v
		}
		delete(fields, key)
	}
	if vars != nil {
		fields["vars"] = vars
	}
}

func decodeSpec(fields map[string]any, spec *Spec) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			scalarToStringHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		ErrorUnused: true,
		Result:      spec,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(fields)
}

// scalarToStringHook lets YAML booleans and numbers fill string fields, so
// that `when: false` means "false".
func scalarToStringHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	switch v := data.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return data, nil
}
