package tasks

import (
	"regexp"
	"strings"
)

// Mask replaces sensitive values.
const Mask = "***MASKED***"

var (
	sensitiveKeys = map[string]bool{
		"client_secret": true,
		"client-secret": true,
		"secret":        true,
		"password":      true,
		"passwd":        true,
		"token":         true,
		"access_token":  true,
		"api_key":       true,
	}

	sensitiveFlag = regexp.MustCompile(`(?i)(--password|--client-secret|--secret)(\s+|=)("[^"]*"|'[^']*'|\S+)`)
)

// Masker hides credentials in text and structured values. Known secret
// values are replaced wherever they occur; map entries with a sensitive key
// are replaced regardless of their value.
type Masker struct {
	secrets []string
}

// NewMasker creates a masker for the given secret values. Empty values are
// ignored.
func NewMasker(secrets ...string) *Masker {
	m := &Masker{}
	for _, s := range secrets {
		m.Add(s)
	}
	return m
}

// Add registers another secret value.
func (m *Masker) Add(secret string) {
	if secret == "" {
		return
	}
	m.secrets = append(m.secrets, secret)
}

// String masks s.
func (m *Masker) String(s string) string {
	if m == nil {
		return s
	}
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	return sensitiveFlag.ReplaceAllString(s, "${1}${2}"+Mask)
}

// Value returns a masked deep copy of v.
func (m *Masker) Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = Mask
				continue
			}
			out[k] = m.Value(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.Value(item)
		}
		return out
	case string:
		return m.String(val)
	default:
		return v
	}
}
