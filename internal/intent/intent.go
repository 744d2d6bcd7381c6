// Package intent runs long-lived background jobs ("intents"): it arbitrates
// named conditions between them, drives their update cycle, persists their
// state and restores it across restarts.
package intent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

// Condition is a named claim an intent makes during arbitration.
type Condition struct {
	Name     string  `json:"name"`
	Priority float64 `json:"priority"`
}

// Cycle is the snapshot handed to every intent for one update pass. It is
// never mutated after creation.
type Cycle struct {
	Now    time.Time
	owners map[string]string
}

// NewCycle builds a Cycle from a condition name to owner id map. The map is
// copied.
func NewCycle(now time.Time, owners map[string]string) Cycle {
	m := make(map[string]string, len(owners))
	for k, v := range owners {
		m[k] = v
	}
	return Cycle{Now: now, owners: m}
}

// Owner returns the id of the intent holding the named condition.
func (c Cycle) Owner(name string) (string, bool) {
	id, ok := c.owners[name]
	return id, ok
}

// Intent is the capability set every intent variant implements. Variants
// embed Base, which supplies identity and no-op defaults for everything.
type Intent interface {
	base() *Base
	ID() string
	TypeName() string
	GroupName() string
	IsActive() bool
	// Configure applies creation parameters that already passed validation.
	Configure(params map[string]any) error
	Start()
	Stop()
	// Update runs one scheduling step. It is only called for active intents.
	Update(c Cycle)
	// MatchConditions returns the conditions the intent claims this cycle.
	MatchConditions() map[string]float64
	// State returns the subclass state to persist.
	State() map[string]any
	// RestoreState loads subclass state read back from storage.
	RestoreState(state map[string]any)
}

// Base carries the fields shared by every intent.
type Base struct {
	id          string
	typeName    string
	groupName   string
	displayName string
	active      bool
	conditions  []Condition
	stateType   string

	now    time.Time
	cycle  Cycle
	logger *logging.Logger
	wake   func()
}

func (b *Base) base() *Base { return b }

func (b *Base) init(typ Type, logger *logging.Logger) {
	b.id = uuid.Nil.String()
	b.typeName = typ.Name
	b.displayName = typ.DisplayName
	if b.displayName == "" {
		b.displayName = "Job"
	}
	b.stateType = typ.StateType
	b.active = true
	b.logger = logger
}

// assignID gives the intent a random id unless it already has one.
func (b *Base) assignID() {
	if b.id == "" || b.id == uuid.Nil.String() {
		b.id = uuid.NewString()
	}
}

func (b *Base) ID() string          { return b.id }
func (b *Base) TypeName() string    { return b.typeName }
func (b *Base) GroupName() string   { return b.groupName }
func (b *Base) DisplayName() string { return b.displayName }
func (b *Base) IsActive() bool      { return b.active }

// Conditions returns the configured condition claims.
func (b *Base) Conditions() []Condition {
	return append([]Condition(nil), b.conditions...)
}

// SetConditions replaces the configured condition claims.
func (b *Base) SetConditions(c []Condition) {
	b.conditions = append([]Condition(nil), c...)
}

// Now returns the time of the current update cycle.
func (b *Base) Now() time.Time { return b.now }

// HasCondition reports whether this intent won the named condition in the
// current cycle.
func (b *Base) HasCondition(name string) bool {
	owner, ok := b.cycle.Owner(name)
	return ok && owner == b.id
}

// HasTimeElapsed reports whether period has passed between start and the
// current cycle time.
func (b *Base) HasTimeElapsed(start time.Time, period time.Duration) bool {
	return b.now.Sub(start) >= period
}

// Wake asks the runtime to run an update cycle soon.
func (b *Base) Wake() {
	if b.wake != nil {
		b.wake()
	}
}

// Logf writes a log line tagged with the intent's identity.
func (b *Base) Logf(level logging.Level, format string, args ...any) {
	if !b.logger.Enabled(level) {
		return
	}
	b.logger.Log(level, "%s %s", b.String(), fmt.Sprintf(format, args...))
}

// Logger returns the intent's logger.
func (b *Base) Logger() *logging.Logger { return b.logger }

func (b *Base) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<Intent id=%s name=%s displayName=%q", b.id, b.typeName, b.displayName)
	if b.groupName != "" {
		fmt.Fprintf(&sb, " groupName=%s", b.groupName)
	}
	fmt.Fprintf(&sb, " isActive=%t>", b.active)
	return sb.String()
}

func (b *Base) Configure(map[string]any) error { return nil }
func (b *Base) Start()                         {}
func (b *Base) Stop()                          {}
func (b *Base) Update(Cycle)                   {}

// MatchConditions claims every configured condition at its priority.
func (b *Base) MatchConditions() map[string]float64 {
	m := make(map[string]float64, len(b.conditions))
	for _, c := range b.conditions {
		m[c.Name] = c.Priority
	}
	return m
}

func (b *Base) State() map[string]any      { return map[string]any{} }
func (b *Base) RestoreState(map[string]any) {}

// Record is the persisted form of an intent.
type Record struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	GroupName   string         `json:"groupName"`
	DisplayName string         `json:"displayName"`
	IsActive    bool           `json:"isActive"`
	Conditions  []Condition    `json:"conditions,omitempty"`
	State       map[string]any `json:"state"`
}

// recordOf captures in's persisted form. State that does not satisfy the
// declared state type is logged and replaced with an empty object.
func recordOf(reg *schema.Registry, in Intent) Record {
	b := in.base()
	rec := Record{
		ID:          b.id,
		Name:        b.typeName,
		GroupName:   b.groupName,
		DisplayName: b.displayName,
		IsActive:    b.active,
		Conditions:  b.Conditions(),
		State:       in.State(),
	}
	if rec.State == nil {
		rec.State = map[string]any{}
	}
	if b.stateType != "" {
		state, err := reg.ParseTypeObject(b.stateType, rec.State)
		if err != nil {
			b.Logf(logging.LevelWarn, "failed to store intent state: stateType=%s err=%v", b.stateType, err)
			state = map[string]any{}
		}
		rec.State = state
	}
	return rec
}

// restoreRecord loads rec into in, the inverse of recordOf.
func restoreRecord(reg *schema.Registry, in Intent, rec Record) {
	b := in.base()
	b.id = rec.ID
	b.groupName = rec.GroupName
	b.displayName = rec.DisplayName
	b.active = rec.IsActive
	b.SetConditions(rec.Conditions)
	state := rec.State
	if b.stateType != "" {
		parsed, err := reg.ParseTypeObject(b.stateType, rec.State)
		if err != nil {
			b.Logf(logging.LevelWarn, "failed to load intent state: stateType=%s err=%v", b.stateType, err)
			parsed = map[string]any{}
		}
		state = parsed
	}
	if state == nil {
		state = map[string]any{}
	}
	in.RestoreState(state)
}

// arbitrate merges condition claims in order, keeping the strictly
// greatest priority per name. Ties keep the first claim seen.
func arbitrate(intents []Intent) map[string]string {
	type claim struct {
		id       string
		priority float64
	}
	best := make(map[string]claim)
	for _, in := range intents {
		b := in.base()
		if !b.active {
			continue
		}
		matches := in.MatchConditions()
		names := make([]string, 0, len(matches))
		for name := range matches {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := matches[name]
			if cur, ok := best[name]; !ok || p > cur.priority {
				best[name] = claim{id: b.id, priority: p}
			}
		}
	}
	owners := make(map[string]string, len(best))
	for name, c := range best {
		owners[name] = c.id
	}
	return owners
}
