package schema

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"sort"
)

// AuthorizationHash computes the hex digest that authenticates inv. The
// input is, in order: secret, token (or the prefix token when token is
// empty), command name, the hashed prefix fields, then the command's
// hashed parameter fields in alphabetical order, recursing into nested
// typed objects.
func (r *Registry) AuthorizationHash(h hash.Hash, inv *Invocation, secret, token string) string {
	h.Reset()
	write := func(s string) { h.Write([]byte(s)) }
	write(secret)
	if token == "" {
		token = inv.Prefix.AuthorizationToken
	}
	write(token)
	write(inv.CommandName)
	r.hashObject(write, PrefixTypeName, inv.Prefix.hashFields())
	if cmd, ok := r.commandsByName[inv.CommandName]; ok {
		r.hashObject(write, cmd.ParamType, inv.Params)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SetAuthorization signs inv in place with a sha256 authorization hash. The
// prefix token is replaced only when token is non-empty.
func (r *Registry) SetAuthorization(inv *Invocation, secret, token string) {
	if token != "" {
		inv.Prefix.AuthorizationToken = token
	}
	inv.Prefix.AuthorizationHash = r.AuthorizationHash(sha256.New(), inv, secret, token)
}

// VerifyAuthorization recomputes inv's hash with secret and its own token.
func (r *Registry) VerifyAuthorization(inv *Invocation, secret string) bool {
	if inv.Prefix.AuthorizationHash == "" {
		return false
	}
	want := r.AuthorizationHash(sha256.New(), inv, secret, "")
	return subtle.ConstantTimeCompare([]byte(want), []byte(inv.Prefix.AuthorizationHash)) == 1
}

// hashedParams lists a type's hash-annotated fields in alphabetical order.
func hashedParams(t *Type) []Param {
	var out []Param
	for _, p := range t.Params {
		if p.Hash {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) hashObject(write func(string), typeName string, obj map[string]any) {
	t, ok := r.types[typeName]
	if !ok || obj == nil {
		return
	}
	for _, p := range hashedParams(t) {
		v, present := obj[p.Name]
		if !present || v == nil {
			continue
		}
		r.hashValue(write, p.Kind, p.Container, v)
	}
}

func (r *Registry) hashValue(write func(string), kind, container Kind, v any) {
	switch kind {
	case KindNumber:
		if n, ok := toNumber(v); ok {
			write(truncString(n))
		}
	case KindBoolean:
		if b, ok := v.(bool); ok {
			if b {
				write("true")
			} else {
				write("false")
			}
		}
	case KindString:
		if s, ok := v.(string); ok {
			write(s)
		}
	case KindArray:
		if items, ok := toSlice(v); ok {
			for _, item := range items {
				r.hashValue(write, container, "", item)
			}
		}
	case KindMap:
		if m, ok := v.(map[string]any); ok {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				write(k)
				r.hashValue(write, container, "", m[k])
			}
		}
	case KindObject, "":
	default:
		if m, ok := v.(map[string]any); ok {
			r.hashObject(write, string(kind), m)
		}
	}
}
