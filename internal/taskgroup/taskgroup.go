// Package taskgroup runs named tasks under a concurrency limit with FIFO
// admission and lets callers wait for the group to drain.
package taskgroup

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work admitted by a Group.
type Task struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// Status is a point-in-time view of a Group for status reporting.
type Status struct {
	TaskCount   int
	RunCount    int
	MaxRunCount int
	RunTaskName string
}

// Group bounds how many tasks run at once. Waiting tasks are admitted in
// the order they called Run.
type Group struct {
	sem         *semaphore.Weighted
	maxRunCount int

	mu      sync.Mutex
	queued  int
	running []string
	idle    []chan struct{}
}

// New returns a Group that runs at most maxRunCount tasks concurrently.
func New(maxRunCount int) *Group {
	if maxRunCount <= 0 {
		maxRunCount = 1
	}
	return &Group{
		sem:         semaphore.NewWeighted(int64(maxRunCount)),
		maxRunCount: maxRunCount,
	}
}

// Run waits for a free slot, runs the task and returns its result. The slot
// is released however the task ends, including a panic. If ctx ends while
// waiting, the task never runs and ctx.Err() is returned.
func (g *Group) Run(ctx context.Context, task Task) (result any, err error) {
	g.mu.Lock()
	g.queued++
	g.mu.Unlock()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.mu.Lock()
		g.queued--
		g.notifyIdleLocked()
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	g.queued--
	g.running = append(g.running, task.Name)
	g.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", task.Name, r, debug.Stack())
		}
		g.sem.Release(1)
		g.mu.Lock()
		if i := slices.Index(g.running, task.Name); i >= 0 {
			g.running = slices.Delete(g.running, i, i+1)
		}
		g.notifyIdleLocked()
		g.mu.Unlock()
	}()

	return task.Run(ctx)
}

// AwaitIdle blocks until no task is running or waiting.
func (g *Group) AwaitIdle(ctx context.Context) error {
	g.mu.Lock()
	if g.queued == 0 && len(g.running) == 0 {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.idle = append(g.idle, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether any task is running or waiting.
func (g *Group) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queued > 0 || len(g.running) > 0
}

func (g *Group) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Status{
		TaskCount:   g.queued + len(g.running),
		RunCount:    len(g.running),
		MaxRunCount: g.maxRunCount,
	}
	if len(g.running) > 0 {
		s.RunTaskName = g.running[0]
	}
	return s
}

func (g *Group) notifyIdleLocked() {
	if g.queued > 0 || len(g.running) > 0 {
		return
	}
	for _, ch := range g.idle {
		close(ch)
	}
	g.idle = nil
}
