// Package config implements the hierarchical keyed configuration tree
//: string paths like "sys.caches.l2.size",
// loaded from YAML via gopkg.in/yaml.v3, with fatal unused-key detection
// at Close time in strict mode.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tree is a hierarchical keyed configuration loaded from YAML. Every
// Get* call marks the key as used; Close fails in strict mode if any
// key was never read.
type Tree struct {
	data   map[string]interface{}
	used   map[string]bool
	strict bool
}

// Load parses yamlBytes into a Tree. strict controls whether Close
// treats unread keys as fatal.
func Load(yamlBytes []byte, strict bool) (*Tree, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	flat := make(map[string]interface{})
	flattenInto(raw, "", flat)
	return &Tree{data: flat, used: make(map[string]bool), strict: strict}, nil
}

func flattenInto(v interface{}, prefix string, out map[string]interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		out[prefix] = v
		return
	}
	for k, child := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		flattenInto(child, path, out)
	}
}

func (t *Tree) mark(path string) { t.used[path] = true }

// GetString returns the string at path, or def if unset.
func (t *Tree) GetString(path, def string) string {
	t.mark(path)
	v, ok := t.data[path]
	if !ok {
		return def
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the integer at path, or def if unset.
func (t *Tree) GetInt(path string, def int64) int64 {
	t.mark(path)
	v, ok := t.data[path]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return def
}

// GetBool returns the boolean at path, or def if unset.
func (t *Tree) GetBool(path string, def bool) bool {
	t.mark(path)
	v, ok := t.data[path]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Has reports whether path exists, without marking it used — for
// feature-detection branches that then go on to read the value with a
// Get* call.
func (t *Tree) Has(path string) bool {
	_, ok := t.data[path]
	return ok
}

// Close validates the unused-key contract; in strict mode it returns an
// error naming every key never read.
func (t *Tree) Close() error {
	if !t.strict {
		return nil
	}
	var unused []string
	for path := range t.data {
		if !t.used[path] {
			unused = append(unused, path)
		}
	}
	if len(unused) == 0 {
		return nil
	}
	return fmt.Errorf("config: unused keys: %s", strings.Join(unused, ", "))
}
