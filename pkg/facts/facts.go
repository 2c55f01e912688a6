// Package facts holds the shared context that templates render against and
// tasks register their results into.
//
// A Store is created per run and passed explicitly to the orchestrator and to
// every task. Readers take a shared lock; writers build a new top-level map
// and its JSON encoding off to the side and swap both in under the exclusive
// lock, so a reader never sees a half-applied write.
package facts

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/chgops/chgops/pkg/document"
)

// Store is a concurrency-safe fact context.
type Store struct {
	mu       sync.RWMutex
	data     map[string]any
	raw      []byte
	playbook string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data: map[string]any{},
		raw:  []byte("{}"),
	}
}

// Publish replaces the whole context.
func (s *Store) Publish(ctx map[string]any) error {
	data, ok := document.Normalize(ctx).(map[string]any)
	if !ok || data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode facts: %w", err)
	}

	s.mu.Lock()
	s.data, s.raw = data, raw
	s.mu.Unlock()
	return nil
}

// Insert binds value to the top-level name, replacing any previous binding.
func (s *Store) Insert(name string, value any) error {
	if name == "" {
		return fmt.Errorf("fact name must not be empty")
	}
	value = document.Normalize(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.data)
	next[name] = value
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode fact %q: %w", name, err)
	}
	s.data, s.raw = next, raw
	return nil
}

// Get looks up a dotted path such as "result.items.0.name". Numbers come
// back as float64.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	raw := s.raw
	s.mu.RUnlock()

	if path == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	}

	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Snapshot returns a deep copy of the context for rendering.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.data).(map[string]any)
}

// JSON returns the JSON encoding of the context.
func (s *Store) JSON() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.raw...)
}

// Keys returns the sorted top-level fact names.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// SetPlaybookText caches the text of the last rendered playbook.
func (s *Store) SetPlaybookText(text string) {
	s.mu.Lock()
	s.playbook = text
	s.mu.Unlock()
}

// PlaybookText returns the cached playbook text.
func (s *Store) PlaybookText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playbook
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
