package intent

import (
	"sync"

	"github.com/msageha/hostagent/internal/logging"
)

// StageFunc is the body of one named stage.
type StageFunc func()

// StageMachine runs an intent's work as a chain of named stages. A stage
// either transitions synchronously with SetStage or starts one asynchronous
// operation with Await and yields until the next update after it settles.
//
// Every Reset bumps the epoch. An operation started under an older epoch
// still runs to completion but its result is dropped.
type StageMachine struct {
	stages map[string]StageFunc
	logf   func(level logging.Level, format string, args ...any)
	spawn  func(func())
	wake   func()

	current string

	mu       sync.Mutex
	epoch    uint64
	awaiting bool
	settled  *settlement

	result any
	err    error
}

type settlement struct {
	next   string
	result any
	err    error
}

// NewStageMachine creates a machine over the given stage table. logf
// receives programming errors such as unknown stage names. spawn starts
// awaited operations and defaults to a new goroutine.
func NewStageMachine(stages map[string]StageFunc, logf func(logging.Level, string, ...any), spawn func(func())) *StageMachine {
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	if logf == nil {
		logf = func(logging.Level, string, ...any) {}
	}
	return &StageMachine{stages: stages, logf: logf, spawn: spawn}
}

// SetWake installs the callback invoked when an awaited operation settles.
func (sm *StageMachine) SetWake(wake func()) { sm.wake = wake }

// Stage returns the current stage name, or "" when stopped.
func (sm *StageMachine) Stage() string { return sm.current }

// Begin selects the stage the next Step runs, without running it.
func (sm *StageMachine) Begin(name string) {
	if _, ok := sm.stages[name]; !ok {
		sm.logf(logging.LevelError, "unknown stage %q", name)
		return
	}
	sm.current = name
}

// SetStage transitions to name and runs it immediately.
func (sm *StageMachine) SetStage(name string) {
	fn, ok := sm.stages[name]
	if !ok {
		sm.logf(logging.LevelError, "unknown stage %q", name)
		return
	}
	sm.current = name
	fn()
}

// Step runs one scheduling opportunity. While an operation is outstanding
// nothing runs. Once it has settled the continuation stage runs in its place.
func (sm *StageMachine) Step() {
	sm.mu.Lock()
	if sm.awaiting {
		s := sm.settled
		if s == nil {
			sm.mu.Unlock()
			return
		}
		sm.awaiting = false
		sm.settled = nil
		sm.mu.Unlock()
		sm.result, sm.err = s.result, s.err
		sm.SetStage(s.next)
		return
	}
	sm.mu.Unlock()
	if sm.current == "" {
		return
	}
	sm.SetStage(sm.current)
}

// Await starts op and makes next the continuation stage. The caller's stage
// should return right after calling Await.
func (sm *StageMachine) Await(next string, op func() (any, error)) {
	sm.mu.Lock()
	sm.awaiting = true
	sm.settled = nil
	epoch := sm.epoch
	sm.mu.Unlock()
	sm.spawn(func() {
		result, err := op()
		sm.mu.Lock()
		stale := epoch != sm.epoch
		if !stale {
			sm.settled = &settlement{next: next, result: result, err: err}
		}
		sm.mu.Unlock()
		if !stale && sm.wake != nil {
			sm.wake()
		}
	})
}

// Result returns the outcome of the most recently settled operation.
func (sm *StageMachine) Result() (any, error) { return sm.result, sm.err }

// Awaiting reports whether an operation is outstanding or settled but not
// yet consumed by Step.
func (sm *StageMachine) Awaiting() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.awaiting
}

// Settled reports whether nothing is running: either no operation is
// outstanding or its result is waiting for the next Step.
func (sm *StageMachine) Settled() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return !sm.awaiting || sm.settled != nil
}

// Reset abandons any outstanding operation and clears the stage.
func (sm *StageMachine) Reset() {
	sm.mu.Lock()
	sm.epoch++
	sm.awaiting = false
	sm.settled = nil
	sm.mu.Unlock()
	sm.current = ""
	sm.result, sm.err = nil, nil
}
