package config

import (
	"strconv"
	"strings"
)

// Options is a loosely typed option bag for source parsers, decoded straight
// from JSON. Accessors are forgiving about JSON's number/string ambiguity so
// configs can say "comma": ";" or "fields_per_record": 4 naturally.
type Options map[string]any

// Any returns the raw option value, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// Bool returns a boolean option, accepting bool or "true"/"false" strings.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Int returns an integer option. JSON numbers decode as float64.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// String returns a string option.
func (o Options) String(key string, def string) string {
	v, ok := o[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// Rune returns the first rune of a string option (e.g. the CSV delimiter).
func (o Options) Rune(key string, def rune) rune {
	s := o.String(key, "")
	if s == "" {
		return def
	}
	return []rune(s)[0]
}

// StringMap returns a map option with string values (e.g. header_map).
func (o Options) StringMap(key string) map[string]string {
	v, ok := o[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		if s, ok := raw.(string); ok {
			out[k] = s
		}
	}
	return out
}
