// Package schema holds the command and parameter-type descriptors shared by
// every agent, and the operations that validate, coerce, build and sign
// command invocations against them.
package schema

import (
	"encoding/json"
	"slices"
)

// Kind names the value kind a parameter holds. Any Kind that is not one of
// the primitive kinds below names a registered Type.
type Kind string

const (
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindString  Kind = "string"
	KindArray   Kind = "array"
	KindMap     Kind = "map"
	KindObject  Kind = "object"
)

// IsPrimitive reports whether k is a built-in kind rather than a type name.
func (k Kind) IsPrimitive() bool {
	switch k {
	case KindNumber, KindBoolean, KindString, KindArray, KindMap, KindObject:
		return true
	}
	return false
}

// Flag values are part of the wire protocol and must not be renumbered.
type Flag int

const (
	Required        Flag = 1
	NotEmpty        Flag = 2
	Hostname        Flag = 4
	GreaterThanZero Flag = 8
	ZeroOrGreater   Flag = 16
	Uuid            Flag = 32
	Url             Flag = 64
	RangedNumber    Flag = 128
	Command         Flag = 256
	EnumValue       Flag = 512
)

// Param describes one field of a parameter type.
type Param struct {
	Name string
	Kind Kind
	// Container is the item kind for array and map parameters.
	Container Kind
	Flags     Flag
	Default   any
	RangeMin  float64
	RangeMax  float64
	Enum      []any
	// Hash marks the field as part of the authorization hash input.
	Hash bool
}

// Has reports whether all bits of f are set on the parameter.
func (p Param) Has(f Flag) bool {
	return p.Flags&f == f
}

// Type is a named parameter type.
type Type struct {
	Name   string
	Params []Param
}

// Param returns the descriptor for the named field.
func (t *Type) Param(name string) (Param, bool) {
	i := slices.IndexFunc(t.Params, func(p Param) bool { return p.Name == name })
	if i < 0 {
		return Param{}, false
	}
	return t.Params[i], true
}

// CommandType binds a command id and name to its parameter type.
type CommandType struct {
	ID        int
	Name      string
	ParamType string
}

// Prefix carries the optional metadata fields of an invocation. Wire keys
// are single letters. A numeric field counts as present when it is nonzero
// or was set explicitly, so a zero received on the wire is sent on and
// signed like any other value.
type Prefix struct {
	CreateTime         int64
	AgentID            string
	UserID             string
	Priority           int
	StartTime          int64
	Duration           int64
	AuthorizationHash  string
	AuthorizationToken string

	explicit prefixField
}

type prefixField uint8

const (
	fieldCreateTime prefixField = 1 << iota
	fieldPriority
	fieldStartTime
	fieldDuration
)

// SetCreateTime sets the create time and marks it present.
func (p *Prefix) SetCreateTime(v int64) {
	p.CreateTime = v
	p.explicit |= fieldCreateTime
}

// SetPriority sets the priority and marks it present.
func (p *Prefix) SetPriority(v int) {
	p.Priority = v
	p.explicit |= fieldPriority
}

// SetStartTime sets the start time and marks it present.
func (p *Prefix) SetStartTime(v int64) {
	p.StartTime = v
	p.explicit |= fieldStartTime
}

// SetDuration sets the duration and marks it present.
func (p *Prefix) SetDuration(v int64) {
	p.Duration = v
	p.explicit |= fieldDuration
}

func (p Prefix) has(f prefixField, v int64) bool {
	return v != 0 || p.explicit&f != 0
}

// prefixWire is the JSON form of Prefix.
type prefixWire struct {
	CreateTime         *int64 `json:"a,omitempty"`
	AgentID            string `json:"b,omitempty"`
	UserID             string `json:"c,omitempty"`
	Priority           *int   `json:"d,omitempty"`
	StartTime          *int64 `json:"e,omitempty"`
	Duration           *int64 `json:"f,omitempty"`
	AuthorizationHash  string `json:"g,omitempty"`
	AuthorizationToken string `json:"h,omitempty"`
}

// MarshalJSON writes every present field, zeros included.
func (p Prefix) MarshalJSON() ([]byte, error) {
	w := prefixWire{
		AgentID:            p.AgentID,
		UserID:             p.UserID,
		AuthorizationHash:  p.AuthorizationHash,
		AuthorizationToken: p.AuthorizationToken,
	}
	if p.has(fieldCreateTime, p.CreateTime) {
		w.CreateTime = &p.CreateTime
	}
	if p.has(fieldPriority, int64(p.Priority)) {
		w.Priority = &p.Priority
	}
	if p.has(fieldStartTime, p.StartTime) {
		w.StartTime = &p.StartTime
	}
	if p.has(fieldDuration, p.Duration) {
		w.Duration = &p.Duration
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads a prefix, remembering which numeric keys were sent.
func (p *Prefix) UnmarshalJSON(data []byte) error {
	var w prefixWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Prefix{
		AgentID:            w.AgentID,
		UserID:             w.UserID,
		AuthorizationHash:  w.AuthorizationHash,
		AuthorizationToken: w.AuthorizationToken,
	}
	if w.CreateTime != nil {
		p.SetCreateTime(*w.CreateTime)
	}
	if w.Priority != nil {
		p.SetPriority(*w.Priority)
	}
	if w.StartTime != nil {
		p.SetStartTime(*w.StartTime)
	}
	if w.Duration != nil {
		p.SetDuration(*w.Duration)
	}
	return nil
}

// hashFields returns the prefix fields that take part in the authorization
// hash, keyed by wire name.
func (p Prefix) hashFields() map[string]any {
	m := make(map[string]any)
	if p.has(fieldCreateTime, p.CreateTime) {
		m["a"] = float64(p.CreateTime)
	}
	if p.AgentID != "" {
		m["b"] = p.AgentID
	}
	if p.UserID != "" {
		m["c"] = p.UserID
	}
	if p.has(fieldPriority, int64(p.Priority)) {
		m["d"] = float64(p.Priority)
	}
	if p.has(fieldStartTime, p.StartTime) {
		m["e"] = float64(p.StartTime)
	}
	if p.has(fieldDuration, p.Duration) {
		m["f"] = float64(p.Duration)
	}
	return m
}
