package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/host"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/taskgroup"
)

var registry = schema.Builtin()

type fakeProc struct {
	err    error
	killed chan struct{}
	hang   bool
	once   sync.Once
}

func (p *fakeProc) Wait() error {
	if p.hang {
		<-p.killed
		return errors.New("signal: killed")
	}
	return p.err
}

func (p *fakeProc) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

// fakeRunner stands in for the capture tool. On success it writes a
// 10-byte image to the -o path.
type fakeRunner struct {
	mu    sync.Mutex
	fail  bool
	hang  bool
	calls [][]string
}

func (r *fakeRunner) Start(_ context.Context, name string, args []string, dir string, _ func(string)) (host.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	p := &fakeProc{killed: make(chan struct{}), hang: r.hang}
	if r.fail {
		p.err = errors.New("exit status 1")
		return p, nil
	}
	if !r.hang {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("0123456789"), 0644); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeSink struct {
	mu       sync.Mutex
	statuses map[int]SensorStatus
	space    host.DiskSpace
	refresh  int
}

func (s *fakeSink) PublishSensor(st SensorStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[int]SensorStatus{}
	}
	s.statuses[st.Sensor] = st
}

func (s *fakeSink) RefreshDiskSpace() (host.DiskSpace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh++
	return s.space, nil
}

func (s *fakeSink) status(sensor int) SensorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[sensor]
}

type memStore struct{}

func (memStore) LoadIntentState() (map[string]map[string]any, error) {
	return map[string]map[string]any{}, nil
}
func (memStore) SaveIntentState(map[string]map[string]any) error { return nil }

type harness struct {
	rt      *intent.Runtime
	types   *intent.Types
	clk     *clock.FakeClock
	runner  *fakeRunner
	sink    *fakeSink
	metrics *metrics.Metrics
	tasks   *taskgroup.Group
	dir     string

	mu      sync.Mutex
	reboots int
}

func syncSpawn(f func()) { f() }

func newHarness(t *testing.T, mod func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.Fake(time.UnixMilli(1_700_000_000_000)),
		runner:  &fakeRunner{},
		sink:    &fakeSink{space: host.DiskSpace{Total: 1 << 30, Free: 1 << 29, Used: 1 << 29}},
		metrics: metrics.New(prometheus.NewRegistry()),
		tasks:   taskgroup.New(1),
		dir:     t.TempDir(),
	}
	deps := Deps{
		Registry: registry,
		Clock:    h.clk,
		Runner:   h.runner,
		Tasks:    h.tasks,
		Sink:     h.sink,
		Metrics:  h.metrics,
		Reboot: func(context.Context) error {
			h.mu.Lock()
			h.reboots++
			h.mu.Unlock()
			return nil
		},
		Sync:            func() {},
		Spawn:           syncSpawn,
		CachePath:       h.dir,
		RebootOnFailure: true,
	}
	if mod != nil {
		mod(&deps)
	}
	h.types = intent.NewTypes(registry, logging.Discard())
	require.NoError(t, h.types.Register(Type(deps)))
	h.rt = intent.NewRuntime(intent.Config{
		Types:    h.types,
		Registry: registry,
		Store:    memStore{},
		Clock:    h.clk,
		Logger:   logging.Discard(),
		Metrics:  h.metrics,
	})
	return h
}

func (h *harness) create(t *testing.T, params map[string]any) *Timelapse {
	t.Helper()
	in, err := h.types.New(TypeName, params)
	require.NoError(t, err)
	h.rt.RunIntent(in, "CameraServer")
	return in.(*Timelapse)
}

// settle runs cycles until the intent is not waiting on an operation.
func (h *harness) settle(t *testing.T, tl *Timelapse) {
	t.Helper()
	for i := 0; i < 50; i++ {
		h.rt.RunCycle()
		if !tl.Stages().Awaiting() {
			return
		}
		require.Eventually(t, tl.Stages().Settled, 5*time.Second, time.Millisecond)
	}
	t.Fatal("intent did not settle")
}

// cycleUntil runs cycles until cond holds.
func (h *harness) cycleUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.rt.RunCycle()
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

func (h *harness) rebootCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reboots
}

func imageFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(p, ".jpg") {
			out = append(out, p)
		}
		return nil
	}))
	return out
}

func TestTimelapse_CapturesEveryPeriod(t *testing.T) {
	h := newHarness(t, nil)
	start := h.clk.Now()
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	h.settle(t, tl)
	for h.clk.Now().Sub(start) < 2900*time.Millisecond {
		h.clk.Advance(100 * time.Millisecond)
		h.settle(t, tl)
	}

	files := imageFiles(t, h.dir)
	require.Len(t, files, 3)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Equal(t, int64(10), info.Size())
	}
	st := h.sink.status(0)
	assert.Equal(t, start.UnixMilli()+2000, st.Summary.LastCaptureTime)
	assert.Equal(t, start.UnixMilli(), st.Summary.MinCaptureTime)
	assert.Equal(t, 3, st.Summary.CapturePathCount)
	assert.False(t, st.IsCapturing)
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.Captures.WithLabelValues("ok")))
}

func TestTimelapse_CaptureArguments(t *testing.T) {
	h := newHarness(t, nil)
	tl := h.create(t, map[string]any{"sensor": 1, "capturePeriod": 60, "imageProfile": schema.ImageProfileLow, "flip": schema.FlipBoth})
	h.settle(t, tl)

	require.Equal(t, 1, h.runner.callCount())
	call := h.runner.calls[0]
	assert.Equal(t, DefaultCaptureProcess, call[0])
	joined := strings.Join(call[1:], " ")
	assert.Contains(t, joined, "-w 820 -h 616 -hf -vf -cs 1 -o ")
	assert.True(t, strings.HasPrefix(call[len(call)-1], filepath.Join(h.dir, "1")+string(filepath.Separator)))
	assert.True(t, strings.HasSuffix(call[len(call)-1], "_820x616.jpg"))
}

func TestTimelapse_NextCaptureAdvancesBeforeCapture(t *testing.T) {
	h := newHarness(t, nil)
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 30})
	h.settle(t, tl)

	assert.Equal(t, h.clk.Now().Add(30*time.Second).UnixMilli(), tl.Settings().NextCaptureTime)

	h.clk.Advance(29 * time.Second)
	h.settle(t, tl)
	assert.Equal(t, 1, h.runner.callCount())

	h.clk.Advance(time.Second)
	h.settle(t, tl)
	assert.Equal(t, 2, h.runner.callCount())
}

func TestTimelapse_BucketRollover(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MaxBucketFiles = 3 })
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	h.settle(t, tl)
	for i := 0; i < 2; i++ {
		h.clk.Advance(time.Second)
		h.settle(t, tl)
	}
	st := h.sink.status(0)
	require.Len(t, st.Summary.DirectoryTimes, 1)
	assert.Equal(t, 3, st.Summary.CapturePathCount)
	first := st.Summary.DirectoryTimes[0]

	h.clk.Advance(time.Second)
	h.settle(t, tl)

	st = h.sink.status(0)
	require.Len(t, st.Summary.DirectoryTimes, 2)
	assert.Greater(t, st.Summary.DirectoryTimes[1], first)
	assert.Equal(t, 1, st.Summary.CapturePathCount)
	assert.Equal(t, BucketPath(filepath.Join(h.dir, "0"), st.Summary.DirectoryTimes[1]), st.Summary.CapturePath)
}

func TestTimelapse_RebootAfterTwoFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	h.settle(t, tl)
	assert.Equal(t, 1, tl.FailureCount())
	assert.Equal(t, 0, h.rebootCount())

	h.clk.Advance(time.Second)
	h.settle(t, tl)
	assert.Equal(t, 1, h.rebootCount())
	assert.Equal(t, 0, tl.FailureCount())

	h.clk.Advance(time.Second)
	h.settle(t, tl)
	assert.Equal(t, 1, h.rebootCount())
	assert.Equal(t, 1, tl.FailureCount())
	assert.Empty(t, imageFiles(t, h.dir))
}

func TestTimelapse_FailedCaptureLeavesNoBucket(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.RebootOnFailure = false })
	h.runner.fail = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	h.settle(t, tl)
	h.clk.Advance(time.Second)
	h.settle(t, tl)
	assert.Equal(t, 2, h.runner.callCount())

	sensorDir := filepath.Join(h.dir, "0")
	entries, err := os.ReadDir(sensorDir)
	if !os.IsNotExist(err) {
		require.NoError(t, err)
	}
	assert.Empty(t, entries)
	assert.Empty(t, h.sink.status(0).Summary.DirectoryTimes)

	h.runner.mu.Lock()
	h.runner.fail = false
	h.runner.mu.Unlock()
	h.clk.Advance(time.Second)
	h.settle(t, tl)
	st := h.sink.status(0)
	require.Len(t, st.Summary.DirectoryTimes, 1)
	assert.Equal(t, st.Summary.LastCaptureTime, st.Summary.MinCaptureTime)
	assert.Equal(t, 1, st.Summary.CapturePathCount)
}

func TestTimelapse_NoRebootWhenDisabled(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.RebootOnFailure = false })
	h.runner.fail = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	for i := 0; i < 3; i++ {
		h.settle(t, tl)
		h.clk.Advance(time.Second)
	}
	assert.Equal(t, 0, h.rebootCount())
	assert.Equal(t, 3, tl.FailureCount())
}

func TestTimelapse_SuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})
	h.settle(t, tl)
	require.Equal(t, 1, tl.FailureCount())

	h.runner.mu.Lock()
	h.runner.fail = false
	h.runner.mu.Unlock()
	h.clk.Advance(time.Second)
	h.settle(t, tl)

	assert.Equal(t, 0, tl.FailureCount())
	assert.Len(t, imageFiles(t, h.dir), 1)
}

func TestTimelapse_WatchdogKillsHungCapture(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Spawn = nil })
	h.runner.hang = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})

	h.cycleUntil(t, func() bool { return h.runner.callCount() == 1 })
	h.rt.RunCycle()
	assert.Equal(t, 0, tl.FailureCount(), "still waiting on the capture")

	h.clk.Advance(DefaultCaptureTimeout + time.Second)
	h.cycleUntil(t, func() bool { return tl.FailureCount() == 1 })

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CaptureKills))
	assert.Equal(t, stageResting, tl.Stages().Stage())
}

func TestTimelapse_WaitsForBusyTaskGroup(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Spawn = nil })
	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_, _ = h.tasks.Run(context.Background(), taskgroup.Task{Name: "stream", Run: func(context.Context) (any, error) {
			close(running)
			<-release
			return nil, nil
		}})
	}()
	<-running

	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})
	h.cycleUntil(t, func() bool { return tl.Stages().Stage() == stageResting && tl.Stages().Awaiting() })
	assert.Equal(t, 0, h.runner.callCount())

	close(release)
	h.cycleUntil(t, func() bool { return h.runner.callCount() == 1 })
}

func TestTimelapse_StopDiscardsPendingCapture(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Spawn = nil })
	h.runner.hang = true
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})
	h.cycleUntil(t, func() bool { return h.runner.callCount() == 1 })

	h.rt.RemoveIntentGroup("CameraServer")

	require.Eventually(t, func() bool { return !h.tasks.Busy() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, "", tl.Stages().Stage())
	assert.Equal(t, 0, tl.FailureCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.CaptureKills))
}

func TestTimelapse_InitRetriesAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	blocker := filepath.Join(h.dir, "0")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 1})

	h.settle(t, tl)
	assert.Equal(t, stageInitializing, tl.Stages().Stage())
	assert.Equal(t, 0, h.runner.callCount())

	require.NoError(t, os.Remove(blocker))
	h.clk.Advance(DefaultRetryDelay - time.Second)
	h.settle(t, tl)
	assert.Equal(t, 0, h.runner.callCount())

	h.clk.Advance(time.Second)
	h.settle(t, tl)
	assert.Equal(t, 1, h.runner.callCount())
}

func TestTimelapse_RebuildsSummaryFromDisk(t *testing.T) {
	h := newHarness(t, nil)
	sensorDir := filepath.Join(h.dir, "0")
	writeImages(t, sensorDir, 1000, 1000, 1500)
	writeImages(t, sensorDir, 2000, 2000, 2100, 2200)

	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})
	h.settle(t, tl)

	st := h.sink.status(0)
	assert.Equal(t, []int64{1000, 2000}, st.Summary.DirectoryTimes)
	assert.Equal(t, int64(1000), st.Summary.MinCaptureTime)
	assert.Equal(t, 4, st.Summary.CapturePathCount, "new capture joins the newest bucket")
}

func TestTimelapse_PrunesOldestBucketAfterCapture(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MaxBucketFiles = 2 })
	sensorDir := filepath.Join(h.dir, "0")
	writeImages(t, sensorDir, 1000, 1000, 1100)
	h.sink.space = host.DiskSpace{Total: 100000, Free: 1000, Used: 99000}

	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})
	h.settle(t, tl)

	st := h.sink.status(0)
	assert.NoDirExists(t, BucketPath(sensorDir, 1000))
	require.Len(t, st.Summary.DirectoryTimes, 1)
	assert.NotEqual(t, int64(1000), st.Summary.DirectoryTimes[0])
	assert.Equal(t, st.Summary.LastCaptureTime, st.Summary.MinCaptureTime)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.PrunedFiles))
	assert.Equal(t, 1, h.sink.refresh)
}

func TestTimelapse_PartialPruneUpdatesCount(t *testing.T) {
	h := newHarness(t, nil)
	sensorDir := filepath.Join(h.dir, "0")
	writeImages(t, sensorDir, 1000, 1000, 1100, 1200, 1300)
	// Ten bytes per image: two old images bring free space to the target.
	h.sink.space = host.DiskSpace{Total: 1000, Free: 20, Used: 980}

	tl := h.create(t, map[string]any{"sensor": 0, "capturePeriod": 900})
	h.settle(t, tl)

	st := h.sink.status(0)
	assert.Equal(t, []int64{1000}, st.Summary.DirectoryTimes)
	assert.Equal(t, int64(1200), st.Summary.MinCaptureTime)
	assert.Equal(t, 3, st.Summary.CapturePathCount)
	assert.Len(t, imageFiles(t, sensorDir), 3)
}

func TestTimelapse_StateRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	tl := h.create(t, map[string]any{"sensor": 2, "capturePeriod": 45, "imageProfile": schema.ImageProfileHigh})

	state := tl.State()
	assert.Equal(t, float64(2), state["sensor"])
	assert.Equal(t, float64(45), state["capturePeriod"])
	assert.Equal(t, float64(schema.ImageProfileHigh), state["imageProfile"])

	recs := h.rt.FindIntents(intent.Filter{Group: "CameraServer"})
	require.Len(t, recs, 1)
	assert.Equal(t, TypeName, recs[0].Name)
	assert.Equal(t, float64(45), recs[0].State["capturePeriod"])
}

func TestTimelapse_StartClampsNextCaptureTime(t *testing.T) {
	h := newHarness(t, nil)
	in, err := h.types.Restore(intent.Record{
		ID:       "33333333-3333-4333-8333-333333333333",
		Name:     TypeName,
		IsActive: true,
		State:    map[string]any{"sensor": 0, "capturePeriod": 10, "nextCaptureTime": h.clk.Now().Add(time.Hour).UnixMilli()},
	})
	require.NoError(t, err)
	h.rt.RunIntent(in, "")

	tl := in.(*Timelapse)
	assert.Equal(t, h.clk.Now().Add(10*time.Second).UnixMilli(), tl.Settings().NextCaptureTime)
}

func TestTimelapse_ConfigureRejectsInvalidParams(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.types.New(TypeName, map[string]any{"sensor": 0, "capturePeriod": 0})
	assert.Error(t, err)
	_, err = h.types.New(TypeName, map[string]any{"capturePeriod": 5})
	assert.Error(t, err)
}

func TestTimelapse_FromCommand(t *testing.T) {
	h := newHarness(t, nil)
	inv, err := registry.BuildCommand(schema.Prefix{}, "CreateTimelapseCaptureIntent", map[string]any{"sensor": 0, "capturePeriod": 5})
	require.NoError(t, err)

	in, err := h.types.FromCommand(inv)
	require.NoError(t, err)
	assert.Equal(t, float64(5), in.(*Timelapse).Settings().CapturePeriod)
}
