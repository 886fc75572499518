package rpc

import (
	"encoding/json"
	"fmt"
)

// Helper functions to safely extract fields from decoded JSON (map[string]interface{}).

// GetStringField retrieves the string value for the given key from a map. Returns an empty string if the key is absent or not a string.
// Numbers are rendered without exponent so large decimal values survive.
func GetStringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case string:
			return val
		case json.Number:
			return val.String()
		}
	}
	return ""
}

// GetMapField retrieves a nested object for the given key, or nil.
func GetMapField(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key]; ok {
		if mm, ok := v.(map[string]interface{}); ok {
			return mm
		}
	}
	return nil
}

// LookupString walks path through nested objects and returns the string at its end.
func LookupString(m map[string]interface{}, path ...string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("empty path")
	}
	cur := m
	for i, key := range path[:len(path)-1] {
		next := GetMapField(cur, key)
		if next == nil {
			return "", fmt.Errorf("missing object %q at depth %d", key, i)
		}
		cur = next
	}
	last := path[len(path)-1]
	s := GetStringField(cur, last)
	if s == "" {
		return "", fmt.Errorf("missing string %q", last)
	}
	return s, nil
}
