// Package handler routes invocations to the functions registered for an
// invoke path and command id.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/hostagent/internal/schema"
)

// ErrNotFound means no handler is registered for the path and command.
var ErrNotFound = errors.New("no handler registered")

// Func executes one invocation and returns the response invocation.
type Func func(ctx context.Context, inv *schema.Invocation) (*schema.Invocation, error)

// Table is the agent's invoke handler map. It serves both HTTP requests and
// invocations addressed to this agent by its own components.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Func
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]map[int]Func)}
}

// Handle registers fn for commandID on path, replacing any earlier entry.
func (t *Table) Handle(path string, commandID int, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.handlers[path]
	if !ok {
		m = make(map[int]Func)
		t.handlers[path] = m
	}
	m[commandID] = fn
}

// RemovePath drops every handler registered on path.
func (t *Table) RemovePath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, path)
}

// Lookup returns the handler for commandID on path.
func (t *Table) Lookup(path string, commandID int) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[path][commandID]
	return fn, ok
}

// HasPath reports whether any handler is registered on path.
func (t *Table) HasPath(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[path]) > 0
}

// Paths lists registered paths in sorted order.
func (t *Table) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.handlers))
	for p := range t.handlers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// InvokeLocal runs inv through the table without any transport.
func (t *Table) InvokeLocal(ctx context.Context, path string, inv *schema.Invocation) (*schema.Invocation, error) {
	fn, ok := t.Lookup(path, inv.Command)
	if !ok {
		return nil, fmt.Errorf("%w: path=%s command=%s", ErrNotFound, path, inv.CommandName)
	}
	return fn(ctx, inv)
}

// Result builds a CommandResult reporting err, or success when err is nil.
func Result(registry *schema.Registry, err error) *schema.Invocation {
	params := map[string]any{"success": err == nil}
	if err != nil {
		params["error"] = err.Error()
	}
	inv, buildErr := registry.BuildCommand(schema.Prefix{}, "CommandResult", params)
	if buildErr != nil {
		panic(fmt.Sprintf("handler: build CommandResult: %v", buildErr))
	}
	return inv
}
