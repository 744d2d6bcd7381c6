package intent

import (
	"fmt"

	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

// NoCommand marks a Type that cannot be created from a command.
const NoCommand = -1

// Type describes one intent variant.
type Type struct {
	Name        string
	DisplayName string
	// StateType names the schema type persisted state must satisfy, or ""
	// to store state unchecked.
	StateType string
	// ConfigureCommand is the id of the command whose params configure a
	// new instance, or NoCommand.
	ConfigureCommand int
	// New returns a zero instance. Dependencies are bound by the closure.
	New func() Intent
}

// Types is the ordered table of registered intent variants.
type Types struct {
	registry *schema.Registry
	logger   *logging.Logger
	order    []Type
	byName   map[string]Type
}

func NewTypes(registry *schema.Registry, logger *logging.Logger) *Types {
	return &Types{registry: registry, logger: logger, byName: make(map[string]Type)}
}

// Register adds typ after every type registered before it. FromCommand
// tries types in this order, so a second type that accepts an already
// claimed command id is reported.
func (t *Types) Register(typ Type) error {
	if typ.Name == "" || typ.New == nil {
		return fmt.Errorf("intent type needs a name and constructor")
	}
	if _, dup := t.byName[typ.Name]; dup {
		return fmt.Errorf("intent type %s already registered", typ.Name)
	}
	if typ.ConfigureCommand != NoCommand {
		for _, prev := range t.order {
			if prev.ConfigureCommand == typ.ConfigureCommand {
				t.logger.Log(logging.LevelWarn, "intent types %s and %s both accept command %d; %s wins",
					prev.Name, typ.Name, typ.ConfigureCommand, prev.Name)
			}
		}
	}
	t.order = append(t.order, typ)
	t.byName[typ.Name] = typ
	return nil
}

// Names lists registered type names in registration order.
func (t *Types) Names() []string {
	names := make([]string, len(t.order))
	for i, typ := range t.order {
		names[i] = typ.Name
	}
	return names
}

// Lookup returns the registered type with the given name.
func (t *Types) Lookup(name string) (Type, bool) {
	typ, ok := t.byName[name]
	return typ, ok
}

func (t *Types) instantiate(typ Type) Intent {
	in := typ.New()
	in.base().init(typ, t.logger)
	return in
}

// New creates and configures an intent of the named type.
func (t *Types) New(name string, params map[string]any) (Intent, error) {
	typ, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown intent type %q", name)
	}
	in := t.instantiate(typ)
	if err := t.configure(in, params); err != nil {
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	return in, nil
}

// FromCommand creates an intent from the first registered type that
// accepts inv.
func (t *Types) FromCommand(inv *schema.Invocation) (Intent, error) {
	for _, typ := range t.order {
		if typ.ConfigureCommand == NoCommand || typ.ConfigureCommand != inv.Command {
			continue
		}
		in := t.instantiate(typ)
		if err := t.configure(in, inv.Params); err != nil {
			t.logger.Log(logging.LevelDebug, "intent type %s rejected %s: %v", typ.Name, inv.CommandName, err)
			continue
		}
		return in, nil
	}
	return nil, fmt.Errorf("no intent type accepts command %s", inv.CommandName)
}

// FromLine parses one configuration line holding a command and creates an
// intent from it.
func (t *Types) FromLine(line []byte) (Intent, error) {
	inv, err := t.registry.ParseCommand(line)
	if err != nil {
		return nil, err
	}
	return t.FromCommand(inv)
}

// Restore rebuilds an intent from its persisted record.
func (t *Types) Restore(rec Record) (Intent, error) {
	typ, ok := t.byName[rec.Name]
	if !ok {
		return nil, fmt.Errorf("unknown intent type %q", rec.Name)
	}
	in := t.instantiate(typ)
	restoreRecord(t.registry, in, rec)
	return in, nil
}

func (t *Types) configure(in Intent, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	if s, ok := params["displayName"].(string); ok {
		in.base().displayName = s
	}
	return in.Configure(params)
}
