package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

type keyKind int

const (
	kindString keyKind = iota
	kindInt
	kindBool
	kindDuration
)

type keySpec struct {
	kind   keyKind
	secret bool
}

var durationType = reflect.TypeOf(Duration(0))

// schema holds every settable key, derived from Config's json tags. Fields
// tagged secret:"true" are masked when listed.
var schema = buildSchema(reflect.TypeOf(Config{}), "", make(map[string]keySpec))

func buildSchema(t reflect.Type, prefix string, out map[string]keySpec) map[string]keySpec {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		spec := keySpec{secret: f.Tag.Get("secret") == "true"}
		switch k := f.Type.Kind(); {
		case f.Type == durationType:
			spec.kind = kindDuration
		case k == reflect.Struct:
			buildSchema(f.Type, name, out)
			continue
		case k == reflect.Bool:
			spec.kind = kindBool
		case k >= reflect.Int && k <= reflect.Int64:
			spec.kind = kindInt
		}
		out[name] = spec
	}
	return out
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsSecretKey reports whether the key's value is masked in listings.
func IsSecretKey(key string) bool {
	return schema[key].secret
}

// parseValue converts a command-line value into the JSON value stored for
// key. Durations are normalized to their canonical string form.
func parseValue(key, raw string) (any, error) {
	spec, ok := schema[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch spec.kind {
	case kindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
		return d.String(), nil
	case kindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("set %s: %q is not an integer", key, raw)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("set %s: %q is not a boolean", key, raw)
		}
		return b, nil
	}
	return raw, nil
}

// Flatten turns nested JSON objects into dot-separated keys. Empty objects
// contribute no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar in the way of a deeper key
// is replaced by an object.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		parts := strings.Split(key, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values reduced to their
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			v = "***" + s[max(0, len(s)-4):]
		}
		out[k] = v
	}
	return out
}
