package intent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/schema"
)

const (
	DefaultHeartbeat   = 500 * time.Millisecond
	DefaultWritePeriod = 300 * time.Second
	// changeWriteDelay is how soon state is written after the intent set
	// changes.
	changeWriteDelay = 4800 * time.Millisecond
)

// ErrNotFound is returned for an unknown intent id.
var ErrNotFound = errors.New("intent not found")

var (
	clearAllLine = regexp.MustCompile(`(?i)^\s*#\s*clear-all\s*$`)
	commentLine  = regexp.MustCompile(`^\s*(#.*)?$`)
)

// StateStore persists the serialized intent map.
type StateStore interface {
	LoadIntentState() (map[string]map[string]any, error)
	SaveIntentState(state map[string]map[string]any) error
}

// Config wires a Runtime. Zero durations get defaults.
type Config struct {
	Types       *Types
	Registry    *schema.Registry
	Store       StateStore
	Clock       clock.Clock
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Heartbeat   time.Duration
	WritePeriod time.Duration
	// ConfigFile lists intent-creating commands used when no state was
	// restored. Empty disables it.
	ConfigFile string
}

// Runtime owns the agent's intents. All intent methods run with mu held,
// so intents observe a single logical thread.
type Runtime struct {
	types       *Types
	registry    *schema.Registry
	store       StateStore
	clock       clock.Clock
	logger      *logging.Logger
	metrics     *metrics.Metrics
	heartbeat   time.Duration
	writePeriod time.Duration
	configFile  string

	mu        sync.Mutex
	intents   map[string]Intent
	order     []string
	nextWrite time.Time
	stopped   bool

	kick chan struct{}
}

func NewRuntime(cfg Config) *Runtime {
	rt := &Runtime{
		types:       cfg.Types,
		registry:    cfg.Registry,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		heartbeat:   cfg.Heartbeat,
		writePeriod: cfg.WritePeriod,
		configFile:  cfg.ConfigFile,
		intents:     make(map[string]Intent),
		kick:        make(chan struct{}, 1),
	}
	if rt.clock == nil {
		rt.clock = clock.Real()
	}
	if rt.metrics == nil {
		rt.metrics = metrics.Discard()
	}
	if rt.heartbeat <= 0 {
		rt.heartbeat = DefaultHeartbeat
	}
	if rt.writePeriod <= 0 {
		rt.writePeriod = DefaultWritePeriod
	}
	return rt
}

func (rt *Runtime) log(level logging.Level, format string, args ...any) {
	rt.logger.Log(level, format, args...)
}

// Start restores persisted intents, or creates them from the config file
// when nothing was restored. A clear-all line in the config file discards
// persisted state first.
func (rt *Runtime) Start() {
	lines, clearAll, err := ReadConfigFile(rt.configFile)
	if err != nil {
		rt.log(logging.LevelError, "failed to read configuration file: path=%s err=%v", rt.configFile, err)
		lines = nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if clearAll {
		rt.log(logging.LevelDebug, "clear state intents (clear-all configuration line)")
		if err := rt.store.SaveIntentState(map[string]map[string]any{}); err != nil {
			rt.log(logging.LevelError, "failed to clear intent state: %v", err)
		}
	} else {
		rt.restoreLocked()
	}

	if len(rt.intents) == 0 {
		rt.provisionLocked(lines)
	}
	rt.nextWrite = rt.clock.Now().Add(rt.writeDelay())
	rt.metrics.ActiveIntents.Set(float64(rt.activeCountLocked()))
}

func (rt *Runtime) restoreLocked() {
	state, err := rt.store.LoadIntentState()
	if err != nil {
		rt.log(logging.LevelError, "failed to load intent state: %v", err)
		return
	}
	for _, raw := range sortedRecords(state) {
		rec, err := rt.parseRecord(raw)
		if err != nil {
			rt.log(logging.LevelError, "failed to read intent state record: %v", err)
			continue
		}
		in, err := rt.types.Restore(rec)
		if err != nil {
			rt.log(logging.LevelError, "failed to read intent state record: %v", err)
			continue
		}
		rt.addLocked(in)
		rt.log(logging.LevelDebug, "create run state intent; %s", in.base())
		if in.base().active {
			in.Start()
		}
	}
}

func (rt *Runtime) provisionLocked(lines [][]byte) int {
	created := 0
	for _, line := range lines {
		in, err := rt.types.FromLine(line)
		if err != nil {
			rt.log(logging.LevelError, "failed to create configuration intent: %v", err)
			continue
		}
		in.base().assignID()
		rt.addLocked(in)
		rt.log(logging.LevelDebug, "create configuration intent; %s", in.base())
		in.Start()
		created++
	}
	return created
}

// ProvisionFromConfig creates intents from the config file if the runtime
// holds none. It returns the number created.
func (rt *Runtime) ProvisionFromConfig() (int, error) {
	lines, _, err := ReadConfigFile(rt.configFile)
	if err != nil {
		return 0, err
	}
	rt.mu.Lock()
	if rt.stopped || len(rt.intents) > 0 {
		rt.mu.Unlock()
		return 0, nil
	}
	n := rt.provisionLocked(lines)
	if n > 0 {
		rt.changedLocked()
	}
	rt.mu.Unlock()
	if n > 0 {
		rt.Kick()
	}
	return n, nil
}

func (rt *Runtime) parseRecord(raw map[string]any) (Record, error) {
	var rec Record
	parsed, err := rt.registry.ParseTypeObject("IntentState", raw)
	if err != nil {
		return rec, err
	}
	data, err := json.Marshal(parsed)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}

func (rt *Runtime) addLocked(in Intent) {
	b := in.base()
	if _, exists := rt.intents[b.id]; !exists {
		rt.order = append(rt.order, b.id)
	}
	rt.intents[b.id] = in
	b.wake = rt.Kick
}

func (rt *Runtime) deleteLocked(id string) {
	delete(rt.intents, id)
	for i, v := range rt.order {
		if v == id {
			rt.order = append(rt.order[:i], rt.order[i+1:]...)
			break
		}
	}
}

func (rt *Runtime) listLocked() []Intent {
	out := make([]Intent, 0, len(rt.order))
	for _, id := range rt.order {
		out = append(out, rt.intents[id])
	}
	return out
}

// Kick requests an update cycle without waiting for the heartbeat.
func (rt *Runtime) Kick() {
	select {
	case rt.kick <- struct{}{}:
	default:
	}
}

// Run drives update cycles and periodic state writes until ctx ends, then
// stops every intent and writes state one last time.
func (rt *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(rt.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.Stop()
			return
		case <-ticker.C:
		case <-rt.kick:
		}
		rt.RunCycle()
		rt.maybeWrite()
	}
}

func (rt *Runtime) maybeWrite() {
	rt.mu.Lock()
	due := !rt.nextWrite.IsZero() && !rt.clock.Now().Before(rt.nextWrite)
	rt.mu.Unlock()
	if !due {
		return
	}
	if err := rt.WriteState(); err != nil {
		rt.log(logging.LevelError, "failed to write intent state: %v", err)
	}
}

// writeDelay returns the periodic write interval, randomized between 98%
// and 100% of the configured period.
func (rt *Runtime) writeDelay() time.Duration {
	lo := rt.writePeriod * 98 / 100
	return lo + time.Duration(rand.Int63n(int64(rt.writePeriod-lo)+1))
}

// changedLocked schedules a state write shortly after a change to the
// intent set, unless one is already due sooner.
func (rt *Runtime) changedLocked() {
	at := rt.clock.Now().Add(changeWriteDelay)
	if rt.nextWrite.IsZero() || at.Before(rt.nextWrite) {
		rt.nextWrite = at
	}
	rt.metrics.ActiveIntents.Set(float64(rt.activeCountLocked()))
}

// RunCycle performs one update pass: arbitrate conditions among active
// intents, publish the result, then update each active intent.
func (rt *Runtime) RunCycle() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return
	}
	intents := rt.listLocked()
	now := rt.clock.Now()
	cycle := NewCycle(now, arbitrate(intents))
	for _, in := range intents {
		b := in.base()
		b.now = now
		b.cycle = cycle
	}
	for _, in := range intents {
		if !in.base().active {
			continue
		}
		rt.update(in, cycle)
	}
}

func (rt *Runtime) update(in Intent, cycle Cycle) {
	defer func() {
		if r := recover(); r != nil {
			rt.log(logging.LevelError, "intent update panic: %s err=%v", in.base(), r)
		}
	}()
	in.Update(cycle)
}

// RunIntent adds in under group, assigning an id if it has none, and starts
// it. Callers remove any previous intent of the group first.
func (rt *Runtime) RunIntent(in Intent, group string) string {
	rt.mu.Lock()
	b := in.base()
	b.assignID()
	if group != "" {
		b.groupName = group
	}
	rt.addLocked(in)
	in.Start()
	rt.changedLocked()
	rt.mu.Unlock()
	rt.log(logging.LevelInfo, "run intent; %s", b)
	rt.Kick()
	return b.id
}

// RemoveIntentGroup stops and removes every intent in group.
func (rt *Runtime) RemoveIntentGroup(group string) int {
	rt.mu.Lock()
	removed := 0
	for _, in := range rt.listLocked() {
		if in.base().groupName != group {
			continue
		}
		in.Stop()
		rt.deleteLocked(in.base().id)
		removed++
	}
	rt.changedLocked()
	rt.mu.Unlock()
	if removed > 0 {
		rt.log(logging.LevelInfo, "removed intent group: group=%s count=%d", group, removed)
	}
	rt.Kick()
	return removed
}

// RemoveIntent stops and removes the intent with the given id.
func (rt *Runtime) RemoveIntent(id string) error {
	rt.mu.Lock()
	in, ok := rt.intents[id]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	in.Stop()
	rt.deleteLocked(id)
	rt.changedLocked()
	rt.mu.Unlock()
	rt.Kick()
	return nil
}

// SetIntentActive starts or stops the intent with the given id.
func (rt *Runtime) SetIntentActive(id string, active bool) error {
	rt.mu.Lock()
	in, ok := rt.intents[id]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b := in.base()
	if b.active != active {
		b.active = active
		if active {
			in.Start()
		} else {
			in.Stop()
		}
		rt.changedLocked()
	}
	rt.mu.Unlock()
	rt.Kick()
	return nil
}

// Filter selects intents in FindIntents. Zero fields match everything.
type Filter struct {
	Group string
	// Active, when non-nil, must equal the intent's active flag.
	Active *bool
}

// FindIntents returns snapshots of the intents matching f in insertion
// order.
func (rt *Runtime) FindIntents(f Filter) []Record {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []Record
	for _, in := range rt.listLocked() {
		b := in.base()
		if f.Group != "" && b.groupName != f.Group {
			continue
		}
		if f.Active != nil && b.active != *f.Active {
			continue
		}
		out = append(out, recordOf(rt.registry, in))
	}
	return out
}

// ActiveCount returns the number of active intents.
func (rt *Runtime) ActiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.activeCountLocked()
}

func (rt *Runtime) activeCountLocked() int {
	n := 0
	for _, in := range rt.intents {
		if in.base().active {
			n++
		}
	}
	return n
}

// Len returns the number of intents held.
func (rt *Runtime) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.intents)
}

// WriteState persists every intent and schedules the next periodic write.
func (rt *Runtime) WriteState() error {
	rt.mu.Lock()
	state := make(map[string]map[string]any, len(rt.intents))
	for _, in := range rt.listLocked() {
		rec := recordOf(rt.registry, in)
		m, err := recordMap(rec)
		if err != nil {
			rt.mu.Unlock()
			rt.metrics.StateWrites.WithLabelValues("error").Inc()
			return err
		}
		state[rec.ID] = m
	}
	rt.nextWrite = rt.clock.Now().Add(rt.writeDelay())
	rt.mu.Unlock()

	if err := rt.store.SaveIntentState(state); err != nil {
		rt.metrics.StateWrites.WithLabelValues("error").Inc()
		return err
	}
	rt.metrics.StateWrites.WithLabelValues("ok").Inc()
	return nil
}

// Stop stops every intent, halts further cycles and writes state.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return
	}
	for _, in := range rt.listLocked() {
		if in.base().active {
			in.Stop()
		}
	}
	rt.mu.Unlock()

	if err := rt.WriteState(); err != nil {
		rt.log(logging.LevelError, "failed to write intent state on stop: %v", err)
	}

	rt.mu.Lock()
	rt.stopped = true
	rt.mu.Unlock()
}

func recordMap(rec Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal intent %s: %w", rec.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal intent %s: %w", rec.ID, err)
	}
	return m, nil
}

// sortedRecords orders persisted records by id so restore is deterministic.
func sortedRecords(state map[string]map[string]any) []map[string]any {
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, state[id])
	}
	return out
}

// ReadConfigFile reads an intent configuration file: one command per line,
// JSON with optional comments. Blank lines and # comments are skipped and a
// "# clear-all" line sets clearAll. A missing file is not an error.
func ReadConfigFile(path string) (lines [][]byte, clearAll bool, err error) {
	if path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if clearAllLine.MatchString(line) {
			clearAll = true
			continue
		}
		if commentLine.MatchString(line) {
			continue
		}
		lines = append(lines, jsonc.ToJSON(bytes.TrimSpace([]byte(line))))
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, clearAll, nil
}
