package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/asaskevich/govalidator"
)

var (
	hostnameRegexp   = regexp.MustCompile(`^[a-zA-Z0-9.\-]+(:[0-9]+)?$`)
	urlInvalidRegexp = regexp.MustCompile(`[^A-Za-z0-9$\-_.+!*?(),/:;=&%#]`)
)

// Validate checks obj against the named parameter type. It never modifies
// obj. Checks run in this order: unknown keys, required fields, value kind,
// number constraints, string constraints, container items, nested types.
func (r *Registry) Validate(typeName string, obj map[string]any, allowUnknownKeys bool) error {
	t, ok := r.types[typeName]
	if !ok {
		return errorf("Unknown parameter type %q", typeName)
	}
	if !allowUnknownKeys {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, known := t.Param(k); !known {
				return errorf("Unknown parameter field %q", k)
			}
		}
	}
	for _, p := range t.Params {
		if _, present := obj[p.Name]; !present && p.Has(Required) {
			return errorf("Missing required parameter field %q", p.Name)
		}
	}
	for _, p := range t.Params {
		v, present := obj[p.Name]
		if !present {
			continue
		}
		if err := r.validateValue(p.Name, p, p.Kind, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) validateValue(field string, p Param, kind Kind, v any) error {
	switch kind {
	case KindNumber:
		n, ok := toNumber(v)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting number", field, typeName(v))
		}
		return validateNumber(field, p, n)
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting boolean", field, typeName(v))
		}
		return nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting string", field, typeName(v))
		}
		return validateString(field, p, s, kind)
	case KindArray:
		items, ok := toSlice(v)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting array", field, typeName(v))
		}
		item := p
		item.Flags &^= Required
		for j, iv := range items {
			if err := r.validateItem(fmt.Sprintf("%s[%d]", field, j), item, iv); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting map", field, typeName(v))
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		item := p
		item.Flags &^= Required
		for _, k := range keys {
			if err := r.validateItem(fmt.Sprintf("%s.%s", field, k), item, m[k]); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting object", field, typeName(v))
		}
		if p.Has(Command) {
			if _, err := r.ParseCommandObject(m); err != nil {
				return errorf("Parameter field %q: %s", field, err.Error())
			}
		}
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return errorf("Parameter field %q has incorrect type %q, expecting %s", field, typeName(v), kind)
	}
	if err := r.Validate(string(kind), m, false); err != nil {
		return errorf("Parameter field %q: %s", field, err.Error())
	}
	return nil
}

func (r *Registry) validateItem(field string, p Param, v any) error {
	kind := p.Container
	if kind == "" {
		return nil
	}
	if kind == KindString {
		s, ok := v.(string)
		if !ok {
			return errorf("Parameter field %q has incorrect type %q, expecting string", field, typeName(v))
		}
		if p.Has(NotEmpty) && s == "" {
			return errorf("Parameter field %q cannot contain an empty string", field)
		}
		return validateString(field, p, s, KindArray)
	}
	return r.validateValue(field, p, kind, v)
}

func validateNumber(field string, p Param, n float64) error {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return errorf("Parameter field %q must be a number", field)
	}
	if p.Has(GreaterThanZero) && n <= 0 {
		return errorf("Parameter field %q must be a number greater than zero", field)
	}
	if p.Has(ZeroOrGreater) && n < 0 {
		return errorf("Parameter field %q must be a number greater than or equal to zero", field)
	}
	if p.Has(RangedNumber) && (n < p.RangeMin || n > p.RangeMax) {
		return errorf("Parameter field %q must be a number in the range [%s..%s]", field, formatNumber(p.RangeMin), formatNumber(p.RangeMax))
	}
	if p.Has(EnumValue) && !enumContains(p.Enum, n) {
		return errorf("Parameter field %q must be one of: %s", field, enumString(p.Enum))
	}
	return nil
}

// validateString applies string flags. Array items use a stricter URL
// character set that excludes '%' and '#'.
func validateString(field string, p Param, s string, kind Kind) error {
	if p.Has(NotEmpty) && s == "" {
		return errorf("Parameter field %q cannot contain an empty string", field)
	}
	if p.Has(Hostname) && !hostnameRegexp.MatchString(s) {
		return errorf("Parameter field %q must contain a hostname string", field)
	}
	if p.Has(Uuid) && !govalidator.IsUUID(strings.ToLower(s)) {
		return errorf("Parameter field %q must contain a UUID string", field)
	}
	if p.Has(Url) {
		invalid := urlInvalidRegexp.MatchString(s)
		if kind == KindArray {
			invalid = invalid || strings.ContainsAny(s, "%#")
		}
		if s == "" || invalid {
			return errorf("Parameter field %q must contain a URL string", field)
		}
	}
	if p.Has(EnumValue) && !enumContains(p.Enum, s) {
		return errorf("Parameter field %q must be one of: %s", field, enumString(p.Enum))
	}
	return nil
}

func enumContains(values []any, v any) bool {
	for _, e := range values {
		if en, ok := toNumber(e); ok {
			if n, ok := v.(float64); ok && n == en {
				return true
			}
			continue
		}
		if e == v {
			return true
		}
	}
	return false
}

func enumString(values []any) string {
	parts := make([]string, len(values))
	for i, e := range values {
		if n, ok := toNumber(e); ok {
			parts[i] = formatNumber(n)
		} else {
			parts[i] = fmt.Sprint(e)
		}
	}
	return strings.Join(parts, ", ")
}
