// Package capture implements the timelapse capture intent and the on-disk
// image cache it maintains.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/host"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/taskgroup"
)

const (
	TypeName = "TimelapseCaptureIntent"

	DefaultCaptureProcess  = "/usr/bin/raspistill"
	DefaultMaxBucketFiles  = 4096
	DefaultCaptureTimeout  = 128 * time.Second
	DefaultRetryDelay      = 180 * time.Second
	rebootFailureThreshold = 2
)

const (
	stageInitializing  = "initializing"
	stageInitializing2 = "initializing2"
	stageInitializing3 = "initializing3"
	stageResting       = "resting"
	stageResting2      = "resting2"
	stageCaptureEnd    = "captureEnd"
	stageCaptureEnd2   = "captureEnd2"
)

// ErrKilled marks a capture terminated by the watchdog.
var ErrKilled = errors.New("capture process killed after timeout")

// SensorStatus is the externally visible state of one sensor's capture.
type SensorStatus struct {
	Sensor int
	// IsCapturing is set while a capture process is in progress.
	IsCapturing   bool
	CapturePeriod float64
	ImageProfile  int
	Flip          int
	Summary       Summary
}

// Sink receives sensor status and serves storage totals.
type Sink interface {
	PublishSensor(st SensorStatus)
	// RefreshDiskSpace queries the cache filesystem now.
	RefreshDiskSpace() (host.DiskSpace, error)
}

// Deps are the collaborators a timelapse intent needs.
type Deps struct {
	Registry *schema.Registry
	Clock    clock.Clock
	Runner   host.Runner
	Tasks    *taskgroup.Group
	Sink     Sink
	Metrics  *metrics.Metrics
	// Reboot restarts the host after repeated capture failures.
	Reboot func(ctx context.Context) error
	Sync   func()
	// Spawn starts awaited operations. Nil means a new goroutine.
	Spawn func(func())

	CachePath       string
	CaptureProcess  string
	MaxImageWidth   int
	MaxImageHeight  int
	MaxBucketFiles  int
	RebootOnFailure bool
	CaptureTimeout  time.Duration
	RetryDelay      time.Duration
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	if d.Sync == nil {
		d.Sync = host.Sync
	}
	if d.CaptureProcess == "" {
		d.CaptureProcess = DefaultCaptureProcess
	}
	if d.MaxImageWidth <= 0 {
		d.MaxImageWidth = DefaultMaxImageWidth
	}
	if d.MaxImageHeight <= 0 {
		d.MaxImageHeight = DefaultMaxImageHeight
	}
	if d.MaxBucketFiles <= 0 {
		d.MaxBucketFiles = DefaultMaxBucketFiles
	}
	if d.CaptureTimeout <= 0 {
		d.CaptureTimeout = DefaultCaptureTimeout
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
}

// Type returns the intent type registration for timelapse capture.
func Type(deps Deps) intent.Type {
	deps.defaults()
	return intent.Type{
		Name:             TypeName,
		DisplayName:      "Capture timelapse images",
		StateType:        "TimelapseCaptureIntentState",
		ConfigureCommand: schema.CreateTimelapseCaptureIntentID,
		New:              func() intent.Intent { return newTimelapse(deps) },
	}
}

// State is the persisted part of a timelapse intent.
type State struct {
	Sensor          int     `json:"sensor"`
	CapturePeriod   float64 `json:"capturePeriod"`
	ImageProfile    int     `json:"imageProfile"`
	Flip            int     `json:"flip"`
	NextCaptureTime int64   `json:"nextCaptureTime"`
}

// Timelapse captures an image from one sensor every CapturePeriod seconds.
type Timelapse struct {
	intent.Base
	deps  Deps
	sm    *intent.StageMachine
	state State

	// Runtime-only fields, rebuilt from disk on start.
	summary      Summary
	isCapturing  bool
	killDeadline time.Time
	failureCount int
	retryAt      time.Time

	procMu    sync.Mutex
	captureID uint64
	proc      host.Process
	killedID  uint64
}

func newTimelapse(deps Deps) *Timelapse {
	t := &Timelapse{deps: deps, state: State{CapturePeriod: 900}}
	t.sm = intent.NewStageMachine(map[string]intent.StageFunc{
		stageInitializing:  t.initializing,
		stageInitializing2: t.initializing2,
		stageInitializing3: t.initializing3,
		stageResting:       t.resting,
		stageResting2:      t.resting2,
		stageCaptureEnd:    t.captureEnd,
		stageCaptureEnd2:   t.captureEnd2,
	}, t.Logf, deps.Spawn)
	return t
}

// Configure reads CreateTimelapseCaptureIntent params.
func (t *Timelapse) Configure(params map[string]any) error {
	p := make(map[string]any, len(params))
	for k, v := range params {
		if k != "displayName" {
			p[k] = v
		}
	}
	parsed, err := t.deps.Registry.ParseTypeObject("CreateTimelapseCaptureIntent", p)
	if err != nil {
		return err
	}
	var st State
	if err := decode(parsed, &st); err != nil {
		return err
	}
	t.state = st
	return nil
}

func (t *Timelapse) State() map[string]any {
	var m map[string]any
	data, _ := json.Marshal(t.state)
	_ = json.Unmarshal(data, &m)
	return m
}

func (t *Timelapse) RestoreState(state map[string]any) {
	st, err := DecodeState(state)
	if err != nil {
		t.Logf(logging.LevelWarn, "failed to decode state: %v", err)
		return
	}
	t.state = st
}

// DecodeState reads a persisted or reported intent state object.
func DecodeState(m map[string]any) (State, error) {
	var st State
	err := decode(m, &st)
	return st, err
}

func decode(m map[string]any, dst any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Stages exposes the stage machine for status and tests.
func (t *Timelapse) Stages() *intent.StageMachine { return t.sm }

// Settings returns the persisted configuration.
func (t *Timelapse) Settings() State { return t.state }

// FailureCount returns the consecutive capture failure count.
func (t *Timelapse) FailureCount() int { return t.failureCount }

func (t *Timelapse) sensorDir() string {
	return SensorDir(t.deps.CachePath, t.state.Sensor)
}

func (t *Timelapse) period() time.Duration {
	return time.Duration(t.state.CapturePeriod * float64(time.Second))
}

func (t *Timelapse) Start() {
	now := t.deps.Clock.Now()
	if limit := now.Add(t.period()).UnixMilli(); t.state.NextCaptureTime > limit {
		t.state.NextCaptureTime = limit
	}
	t.summary = Summary{}
	t.isCapturing = false
	t.killDeadline = time.Time{}
	t.retryAt = time.Time{}
	t.sm.Reset()
	t.sm.SetWake(t.Wake)
	t.sm.Begin(stageInitializing)
}

// Stop abandons stage work and terminates a running capture.
func (t *Timelapse) Stop() {
	t.sm.Reset()
	t.killCapture()
	t.isCapturing = false
	t.killDeadline = time.Time{}
}

func (t *Timelapse) Update(intent.Cycle) {
	if t.isCapturing && t.deps.RebootOnFailure && !t.killDeadline.IsZero() && !t.Now().Before(t.killDeadline) {
		t.Logf(logging.LevelWarn, "capture exceeded %s, terminating process", t.deps.CaptureTimeout)
		t.killDeadline = time.Time{}
		t.deps.Metrics.CaptureKills.Inc()
		t.killCapture()
	}
	t.sm.Step()
}

func (t *Timelapse) publish() {
	if t.deps.Sink == nil {
		return
	}
	t.deps.Sink.PublishSensor(SensorStatus{
		Sensor:        t.state.Sensor,
		IsCapturing:   t.isCapturing,
		CapturePeriod: t.state.CapturePeriod,
		ImageProfile:  t.state.ImageProfile,
		Flip:          t.state.Flip,
		Summary:       t.summary.Clone(),
	})
}

func (t *Timelapse) retryLater(what string, err error) {
	t.Logf(logging.LevelError, "failed to %s: path=%s err=%v", what, t.sensorDir(), err)
	t.retryAt = t.Now().Add(t.deps.RetryDelay)
	t.sm.Begin(stageInitializing)
}

func (t *Timelapse) initializing() {
	if !t.retryAt.IsZero() && t.Now().Before(t.retryAt) {
		return
	}
	t.retryAt = time.Time{}
	dir := t.sensorDir()
	t.sm.Await(stageInitializing2, func() (any, error) {
		return nil, os.MkdirAll(dir, 0755)
	})
}

func (t *Timelapse) initializing2() {
	if _, err := t.sm.Result(); err != nil {
		t.retryLater("create cache directory", err)
		return
	}
	dir := t.sensorDir()
	t.sm.Await(stageInitializing3, func() (any, error) {
		return ReadCacheSummary(dir)
	})
}

func (t *Timelapse) initializing3() {
	v, err := t.sm.Result()
	if err != nil {
		t.retryLater("scan cache directory", err)
		return
	}
	t.summary = v.(Summary)
	t.publish()
	t.sm.SetStage(stageResting)
}

func (t *Timelapse) resting() {
	if t.Now().UnixMilli() < t.state.NextCaptureTime {
		return
	}
	if t.deps.Tasks.Busy() {
		t.sm.Await(stageResting2, func() (any, error) {
			return nil, t.deps.Tasks.AwaitIdle(context.Background())
		})
		return
	}
	t.beginCapture()
}

func (t *Timelapse) resting2() {
	t.beginCapture()
}

// capturePlan is everything the capture operation needs, fixed before it
// leaves the stage chain.
type capturePlan struct {
	id        uint64
	bucketDir string
	newBucket int64
	image     Image
	path      string
	args      []string
}

type captureResult struct {
	plan capturePlan
	size int64
}

func (t *Timelapse) beginCapture() {
	now := t.Now()
	t.state.NextCaptureTime = now.Add(t.period()).UnixMilli()

	ms := now.UnixMilli()
	if ms <= t.summary.LastCaptureTime {
		ms = t.summary.LastCaptureTime + 1
	}
	plan := capturePlan{bucketDir: t.summary.CapturePath}
	if plan.bucketDir == "" || t.summary.CapturePathCount >= t.deps.MaxBucketFiles {
		if n := len(t.summary.DirectoryTimes); n > 0 && ms <= t.summary.DirectoryTimes[n-1] {
			ms = t.summary.DirectoryTimes[n-1] + 1
		}
		plan.newBucket = ms
		plan.bucketDir = BucketPath(t.sensorDir(), ms)
	}
	w, h := ImageSize(t.state.ImageProfile, t.deps.MaxImageWidth, t.deps.MaxImageHeight)
	plan.image = Image{Time: ms, Width: w, Height: h}
	plan.path = filepath.Join(plan.bucketDir, ImageFilename(plan.image))
	plan.args = CaptureArgs(t.state.Sensor, w, h, t.state.Flip, plan.path)

	t.procMu.Lock()
	t.captureID++
	plan.id = t.captureID
	t.procMu.Unlock()

	t.isCapturing = true
	if t.deps.RebootOnFailure {
		t.killDeadline = now.Add(t.deps.CaptureTimeout)
	}
	t.sm.Await(stageCaptureEnd, func() (any, error) { return t.capture(plan) })
}

// capture runs the capture tool through the task group and checks its
// output. A bucket created for a failed capture is removed again.
func (t *Timelapse) capture(plan capturePlan) (res any, err error) {
	if plan.newBucket > 0 {
		defer func() {
			if err != nil {
				if rerr := os.RemoveAll(plan.bucketDir); rerr != nil {
					t.Logf(logging.LevelWarn, "failed to remove bucket: path=%s err=%v", plan.bucketDir, rerr)
				}
			}
		}()
	}
	_, err = t.deps.Tasks.Run(context.Background(), taskgroup.Task{
		Name: "TimelapseCapture",
		Run: func(ctx context.Context) (any, error) {
			if err := os.MkdirAll(plan.bucketDir, 0755); err != nil {
				return nil, fmt.Errorf("create bucket: %w", err)
			}
			proc, err := t.deps.Runner.Start(ctx, t.deps.CaptureProcess, plan.args, t.deps.CachePath, nil)
			if err != nil {
				return nil, err
			}
			if !t.trackProcess(plan.id, proc) {
				_ = proc.Kill()
			}
			err = proc.Wait()
			t.trackProcess(plan.id, nil)
			return nil, err
		},
	})
	if t.wasKilled(plan.id) {
		return nil, ErrKilled
	}
	if err != nil {
		return nil, fmt.Errorf("image capture process ended with non-success result: %w", err)
	}
	info, err := os.Stat(plan.path)
	if err != nil {
		return nil, fmt.Errorf("image capture process failed to create output file: %w", err)
	}
	return captureResult{plan: plan, size: info.Size()}, nil
}

// trackProcess records the running process for capture id. It reports
// false if that capture has already been cancelled.
func (t *Timelapse) trackProcess(id uint64, p host.Process) bool {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	if id != t.captureID || t.killedID == id {
		return p == nil
	}
	t.proc = p
	return true
}

func (t *Timelapse) wasKilled(id uint64) bool {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	return t.killedID == id
}

// killCapture terminates the current capture process, if any. A capture
// still starting is killed as soon as its process is tracked.
func (t *Timelapse) killCapture() {
	t.procMu.Lock()
	t.killedID = t.captureID
	p := t.proc
	t.proc = nil
	t.procMu.Unlock()
	if p == nil {
		return
	}
	if err := p.Kill(); err != nil {
		t.Logf(logging.LevelWarn, "failed to kill capture process: %v", err)
	}
}

func (t *Timelapse) captureEnd() {
	t.isCapturing = false
	t.killDeadline = time.Time{}
	v, err := t.sm.Result()
	if err != nil {
		t.deps.Metrics.Captures.WithLabelValues("error").Inc()
		t.failureCount++
		t.Logf(logging.LevelError, "failed to capture image: capturePath=%s failures=%d err=%v", t.summary.CapturePath, t.failureCount, err)
		if t.deps.RebootOnFailure && t.failureCount >= rebootFailureThreshold {
			t.failureCount = 0
			t.requestReboot()
		}
		t.sm.SetStage(stageResting)
		return
	}

	res := v.(captureResult)
	t.deps.Metrics.Captures.WithLabelValues("ok").Inc()
	t.failureCount = 0
	if res.plan.newBucket > 0 {
		t.summary.DirectoryTimes = append(t.summary.DirectoryTimes, res.plan.newBucket)
		t.summary.CapturePath = res.plan.bucketDir
		t.summary.CapturePathCount = 0
	}
	t.summary.CapturePathCount++
	t.summary.LastCaptureFile = res.plan.path
	t.summary.LastCaptureTime = res.plan.image.Time
	t.summary.LastCaptureWidth = res.plan.image.Width
	t.summary.LastCaptureHeight = res.plan.image.Height
	if t.summary.MinCaptureTime <= 0 {
		t.summary.MinCaptureTime = res.plan.image.Time
	}
	t.publish()

	dir := t.sensorDir()
	times := append([]int64(nil), t.summary.DirectoryTimes...)
	t.sm.Await(stageCaptureEnd2, func() (any, error) {
		if t.deps.Sink == nil {
			return PruneResult{}, nil
		}
		space, err := t.deps.Sink.RefreshDiskSpace()
		if err != nil {
			return nil, err
		}
		return Prune(dir, times, space, t.deps.Sync)
	})
}

func (t *Timelapse) captureEnd2() {
	v, err := t.sm.Result()
	if err != nil {
		t.Logf(logging.LevelError, "failed to prune cache: path=%s err=%v", t.sensorDir(), err)
		t.sm.SetStage(stageResting)
		return
	}
	res := v.(PruneResult)
	if res.Pruned {
		t.deps.Metrics.PrunedFiles.Add(float64(len(res.Deleted)))
		t.Logf(logging.LevelInfo, "pruned cache: files=%d freed=%d", len(res.Deleted), res.Freed)
		if res.RemovedBucket > 0 && len(t.summary.DirectoryTimes) > 0 && t.summary.DirectoryTimes[0] == res.RemovedBucket {
			t.summary.DirectoryTimes = t.summary.DirectoryTimes[1:]
			if len(t.summary.DirectoryTimes) == 0 {
				t.summary = Summary{}
			}
		} else if res.RemovedBucket == 0 && len(t.summary.DirectoryTimes) > 0 &&
			BucketPath(t.sensorDir(), t.summary.DirectoryTimes[0]) == t.summary.CapturePath {
			t.summary.CapturePathCount = res.Remaining
		}
		t.summary.MinCaptureTime = res.MinCaptureTime
		t.publish()
	}
	t.sm.SetStage(stageResting)
}

func (t *Timelapse) requestReboot() {
	t.deps.Metrics.Reboots.Inc()
	if t.deps.Reboot == nil {
		t.Logf(logging.LevelError, "capture failing repeatedly and no reboot handler configured")
		return
	}
	t.Logf(logging.LevelError, "capture failing repeatedly, requesting system reboot")
	spawn := t.deps.Spawn
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	reboot, logger, tag := t.deps.Reboot, t.Logger(), t.String()
	spawn(func() {
		if err := reboot(context.Background()); err != nil {
			logger.Log(logging.LevelError, "%s reboot request failed: %v", tag, err)
		}
	})
}
