package schema

import (
	"strconv"
	"strings"
)

// Coerce converts string values into the number or boolean kinds their
// fields declare, in place. Only strings that parse completely are
// converted; anything else is left for Validate to reject.
func (r *Registry) Coerce(typeName string, obj map[string]any) {
	t, ok := r.types[typeName]
	if !ok {
		return
	}
	for _, p := range t.Params {
		v, present := obj[p.Name]
		if !present {
			continue
		}
		obj[p.Name] = r.coerceValue(p.Kind, p.Container, v)
	}
}

func (r *Registry) coerceValue(kind, container Kind, v any) any {
	switch kind {
	case KindNumber, KindBoolean:
		return coercePrimitive(kind, v)
	case KindArray:
		items, ok := v.([]any)
		if !ok {
			return v
		}
		for i, item := range items {
			items[i] = r.coerceValue(container, "", item)
		}
		return items
	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		for k, item := range m {
			m[k] = r.coerceValue(container, "", item)
		}
		return m
	case KindString, KindObject, "":
		return v
	}
	if m, ok := v.(map[string]any); ok {
		r.Coerce(string(kind), m)
	}
	return v
}

func coercePrimitive(kind Kind, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch kind {
	case KindNumber:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	case KindBoolean:
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return v
}

// ApplyDefaults fills absent fields that declare a default value, in place,
// recursing into nested typed objects. Applying defaults twice is the same
// as applying them once.
func (r *Registry) ApplyDefaults(typeName string, obj map[string]any) {
	t, ok := r.types[typeName]
	if !ok {
		return
	}
	for _, p := range t.Params {
		v, present := obj[p.Name]
		if !present {
			if p.Default != nil {
				obj[p.Name] = deepCopy(p.Default)
			}
			continue
		}
		r.defaultsInValue(p.Kind, p.Container, v)
	}
}

func (r *Registry) defaultsInValue(kind, container Kind, v any) {
	switch kind {
	case KindArray:
		if items, ok := v.([]any); ok && container != "" && !container.IsPrimitive() {
			for _, item := range items {
				if m, ok := item.(map[string]any); ok {
					r.ApplyDefaults(string(container), m)
				}
			}
		}
	case KindMap:
		if m, ok := v.(map[string]any); ok && container != "" && !container.IsPrimitive() {
			for _, item := range m {
				if im, ok := item.(map[string]any); ok {
					r.ApplyDefaults(string(container), im)
				}
			}
		}
	default:
		if kind.IsPrimitive() {
			return
		}
		if m, ok := v.(map[string]any); ok {
			r.ApplyDefaults(string(kind), m)
		}
	}
}
