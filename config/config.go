// Package config is the gateway settings store: compiled-in defaults
// overlaid with a JSON file, addressed by dotted paths ("sip.server").
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Defaults returns the settings tree used when the file is absent or
// partial. Every key the gateway reads exists here.
func Defaults() map[string]any {
	return map[string]any{
		"sip": map[string]any{
			"server":   "",
			"port":     float64(5060),
			"login":    "",
			"password": "",
			"number":   "",
		},
		"websocket": map[string]any{
			"host": "0.0.0.0",
			"port": float64(8765),
		},
		"http": map[string]any{
			"host": "0.0.0.0",
			"port": float64(8080),
		},
		"log": map[string]any{
			"level": "info",
		},
	}
}

// Store holds the merged settings. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]any
}

// Load builds a store from defaults overlaid with the JSON file at path. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Store, error) {
	s := &Store{path: path, data: Defaults()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var overlay map[string]any
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	merge(s.data, overlay)
	return s, nil
}

// merge overlays src onto dst recursively. Maps merge key by key, any
// other value replaces wholesale.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				merge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// Get resolves a dotted path. The second return is false when any segment
// is missing.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := any(s.data)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (s *Store) GetString(path string) string {
	v, ok := s.Get(path)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

func (s *Store) GetInt(path string) int {
	v, ok := s.Get(path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// Set writes a value at a dotted path, creating intermediate maps. It
// fails when a path segment crosses a non-map value.
func (s *Store) Set(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := strings.Split(path, ".")
	cur := s.data
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config path %q crosses non-object key %q", path, seg)
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// Update overlays a whole settings tree, the shape PUT /api/settings sends.
func (s *Store) Update(overlay map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merge(s.data, overlay)
}

// Snapshot returns a deep copy of the settings tree.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTree(s.data)
}

func copyTree(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = copyTree(m)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Save writes the current tree back to the file.
func (s *Store) Save() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the SIP account settings are usable.
func (s *Store) Validate() error {
	if s.GetString("sip.server") == "" {
		return errors.New("sip.server is required")
	}
	if s.GetString("sip.login") == "" {
		return errors.New("sip.login is required")
	}
	if s.GetString("sip.number") == "" {
		return errors.New("sip.number is required")
	}
	if port := s.GetInt("sip.port"); port < 1 || port > 65535 {
		return fmt.Errorf("sip.port %d out of range", port)
	}
	return nil
}
