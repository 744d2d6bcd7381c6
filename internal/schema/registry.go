package schema

import (
	"fmt"
	"slices"
	"sort"
)

// Registry is a read-only lookup of command and parameter-type descriptors.
// It is built once and shared; all methods are safe for concurrent use.
type Registry struct {
	types          map[string]*Type
	commandsByName map[string]CommandType
	commandsByID   map[int]CommandType
}

// NewRegistry builds a registry from the given descriptors. Every command's
// parameter type and every named kind must resolve, and command ids and
// names must be unique. The prefix type is added when types lacks it.
func NewRegistry(types []Type, commands []CommandType) (*Registry, error) {
	if !slices.ContainsFunc(types, func(t Type) bool { return t.Name == PrefixTypeName }) {
		types = append([]Type{prefixType()}, types...)
	}
	r := &Registry{
		types:          make(map[string]*Type, len(types)),
		commandsByName: make(map[string]CommandType, len(commands)),
		commandsByID:   make(map[int]CommandType, len(commands)),
	}
	for i := range types {
		t := types[i]
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("duplicate type %q", t.Name)
		}
		r.types[t.Name] = &t
	}
	for _, t := range r.types {
		for _, p := range t.Params {
			for _, k := range []Kind{p.Kind, p.Container} {
				if k == "" || k.IsPrimitive() {
					continue
				}
				if _, ok := r.types[string(k)]; !ok {
					return nil, fmt.Errorf("type %s field %s: unknown kind %q", t.Name, p.Name, k)
				}
			}
		}
	}
	for _, c := range commands {
		if _, ok := r.types[c.ParamType]; !ok {
			return nil, fmt.Errorf("command %s: unknown param type %q", c.Name, c.ParamType)
		}
		if _, dup := r.commandsByID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate command id %d", c.ID)
		}
		if _, dup := r.commandsByName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate command name %q", c.Name)
		}
		r.commandsByName[c.Name] = c
		r.commandsByID[c.ID] = c
	}
	return r, nil
}

// Builtin returns a registry holding the agent's standard command set.
func Builtin() *Registry {
	r, err := NewRegistry(builtinTypes(), builtinCommands())
	if err != nil {
		panic(fmt.Sprintf("schema: builtin tables: %v", err))
	}
	return r
}

// Type returns the named parameter type.
func (r *Registry) Type(name string) (*Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// CommandByName returns the command registered under name.
func (r *Registry) CommandByName(name string) (CommandType, bool) {
	c, ok := r.commandsByName[name]
	return c, ok
}

// CommandByID returns the command registered under id.
func (r *Registry) CommandByID(id int) (CommandType, bool) {
	c, ok := r.commandsByID[id]
	return c, ok
}

// CommandNames lists registered command names in sorted order.
func (r *Registry) CommandNames() []string {
	names := make([]string, 0, len(r.commandsByName))
	for n := range r.commandsByName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
