package schema

import (
	"encoding/json"
	"fmt"
)

// Invocation is a parsed command: the unit exchanged between agents.
type Invocation struct {
	Command     int            `json:"command"`
	CommandName string         `json:"commandName"`
	Prefix      Prefix         `json:"prefix"`
	Params      map[string]any `json:"params"`
}

// Clone returns a deep copy of inv.
func (inv *Invocation) Clone() *Invocation {
	c := *inv
	c.Params = deepCopyMap(inv.Params)
	return &c
}

// Decode unmarshals the invocation's params into dst.
func (inv *Invocation) Decode(dst any) error {
	data, err := json.Marshal(inv.Params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", inv.CommandName, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s params: %w", inv.CommandName, err)
	}
	return nil
}

// String returns the invocation's params as a string, or "".
func (inv *Invocation) String(name string) string {
	s, _ := inv.Params[name].(string)
	return s
}

// Number returns the invocation's params as a number, or 0.
func (inv *Invocation) Number(name string) float64 {
	n, _ := toNumber(inv.Params[name])
	return n
}

// Bool returns the invocation's params as a boolean, or false.
func (inv *Invocation) Bool(name string) bool {
	b, _ := inv.Params[name].(bool)
	return b
}

// Marshal encodes inv for the wire.
func (inv *Invocation) Marshal() ([]byte, error) {
	return json.Marshal(inv)
}

// ParseCommand decodes raw JSON text into a validated invocation.
func (r *Registry) ParseCommand(raw []byte) (*Invocation, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errorf("Command has non-parsing JSON")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errorf("Command is not an object")
	}
	return r.ParseCommandObject(obj)
}

// ParseCommandObject turns a decoded JSON object into a validated
// invocation: defaults are applied, string values coerced, and params and
// prefix validated. obj is not modified.
func (r *Registry) ParseCommandObject(obj map[string]any) (*Invocation, error) {
	name, ok := obj["commandName"].(string)
	if !ok {
		return nil, errorf("Command has no commandName field")
	}
	rawParams, ok := obj["params"].(map[string]any)
	if !ok {
		return nil, errorf("Command has no params object")
	}
	cmd, ok := r.commandsByName[name]
	if !ok {
		return nil, errorf("Command has unknown name")
	}
	params := deepCopyMap(rawParams)
	r.ApplyDefaults(cmd.ParamType, params)
	r.Coerce(cmd.ParamType, params)
	if err := r.Validate(cmd.ParamType, params, false); err != nil {
		return nil, err
	}
	inv := &Invocation{Command: cmd.ID, CommandName: cmd.Name, Params: params}
	if raw, present := obj["prefix"]; present && raw != nil {
		pm, ok := raw.(map[string]any)
		if !ok {
			return nil, errorf("Command has invalid prefix")
		}
		prefix, err := r.parsePrefix(pm)
		if err != nil {
			return nil, err
		}
		inv.Prefix = prefix
	}
	return inv, nil
}

func (r *Registry) parsePrefix(raw map[string]any) (Prefix, error) {
	pm := deepCopyMap(raw)
	r.Coerce(PrefixTypeName, pm)
	if err := r.Validate(PrefixTypeName, pm, false); err != nil {
		return Prefix{}, errorf("Command has invalid prefix: %s", err.Error())
	}
	var p Prefix
	if s, ok := pm["b"].(string); ok {
		p.AgentID = s
	}
	if s, ok := pm["c"].(string); ok {
		p.UserID = s
	}
	if s, ok := pm["g"].(string); ok {
		p.AuthorizationHash = s
	}
	if s, ok := pm["h"].(string); ok {
		p.AuthorizationToken = s
	}
	if n, ok := toNumber(pm["a"]); ok {
		p.SetCreateTime(int64(n))
	}
	if n, ok := toNumber(pm["d"]); ok {
		p.SetPriority(int(n))
	}
	if n, ok := toNumber(pm["e"]); ok {
		p.SetStartTime(int64(n))
	}
	if n, ok := toNumber(pm["f"]); ok {
		p.SetDuration(int64(n))
	}
	return p, nil
}

// BuildCommand constructs a validated invocation of the named command.
// params may be a map or any value that encodes as a JSON object.
func (r *Registry) BuildCommand(prefix Prefix, name string, params any) (*Invocation, error) {
	cmd, ok := r.commandsByName[name]
	if !ok {
		return nil, errorf("Unknown command name %q", name)
	}
	return r.build(prefix, cmd, params)
}

// BuildCommandByID is BuildCommand keyed by command id.
func (r *Registry) BuildCommandByID(prefix Prefix, id int, params any) (*Invocation, error) {
	cmd, ok := r.commandsByID[id]
	if !ok {
		return nil, errorf("Unknown command id %d", id)
	}
	return r.build(prefix, cmd, params)
}

func (r *Registry) build(prefix Prefix, cmd CommandType, params any) (*Invocation, error) {
	m, err := normalize(params)
	if err != nil {
		return nil, err
	}
	r.ApplyDefaults(cmd.ParamType, m)
	if err := r.Validate(cmd.ParamType, m, false); err != nil {
		return nil, err
	}
	return &Invocation{Command: cmd.ID, CommandName: cmd.Name, Prefix: prefix, Params: m}, nil
}

// ParseTypeObject validates a standalone object (for example persisted
// intent state) against a named type after applying defaults and coercion.
// The returned map is a copy.
func (r *Registry) ParseTypeObject(typeName string, obj any) (map[string]any, error) {
	m, err := normalize(obj)
	if err != nil {
		return nil, err
	}
	r.ApplyDefaults(typeName, m)
	r.Coerce(typeName, m)
	if err := r.Validate(typeName, m, false); err != nil {
		return nil, err
	}
	return m, nil
}
