package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/hostagent/internal/capture"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/host"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/taskgroup"
)

var registry = schema.Builtin()

type fakeIntents struct {
	mu      sync.Mutex
	calls   []string
	records []intent.Record
}

func (f *fakeIntents) RunIntent(in intent.Intent, group string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "run:"+group+":"+in.TypeName())
	return "44444444-4444-4444-8444-444444444444"
}

func (f *fakeIntents) RemoveIntentGroup(group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove:"+group)
	n := len(f.records)
	f.records = nil
	return n
}

func (f *fakeIntents) FindIntents(intent.Filter) []intent.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]intent.Record(nil), f.records...)
}

type fakeDisk struct {
	space host.DiskSpace
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (d *fakeDisk) DiskSpace(string) (host.DiskSpace, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	return d.space, d.err
}

type fixture struct {
	srv     *Server
	intents *fakeIntents
	disk    *fakeDisk
	table   *handler.Table
	dir     string
	changes atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		intents: &fakeIntents{},
		disk:    &fakeDisk{space: host.DiskSpace{Total: 1000, Used: 400, Free: 600}},
		table:   handler.NewTable(),
		dir:     filepath.Join(t.TempDir(), "cache"),
	}
	types := intent.NewTypes(registry, logging.Discard())
	require.NoError(t, types.Register(capture.Type(capture.Deps{Registry: registry})))
	f.srv = New(Config{
		Registry:  registry,
		Intents:   f.intents,
		Types:     types,
		Tasks:     taskgroup.New(1),
		Disk:      f.disk,
		CachePath: f.dir,
		Logger:    logging.Discard(),
		OnChange:  func() { f.changes.Add(1) },
	})
	f.srv.Register(f.table)
	return f
}

func writeImage(t *testing.T, dir string, sensor int, bucket, tm int64) {
	t.Helper()
	b := capture.BucketPath(capture.SensorDir(dir, sensor), bucket)
	require.NoError(t, os.MkdirAll(b, 0755))
	name := capture.ImageFilename(capture.Image{Time: tm, Width: 64, Height: 48})
	require.NoError(t, os.WriteFile(filepath.Join(b, name), []byte("jpeg"), 0644))
}

func command(t *testing.T, name string, params map[string]any) *schema.Invocation {
	t.Helper()
	inv, err := registry.BuildCommand(schema.Prefix{}, name, params)
	require.NoError(t, err)
	return inv
}

func TestStart_IndexesExistingCache(t *testing.T) {
	f := newFixture(t)
	writeImage(t, f.dir, 0, 1000, 1000)
	writeImage(t, f.dir, 0, 1000, 1500)
	writeImage(t, f.dir, 2, 5000, 5005)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "readme"), nil, 0644))

	require.NoError(t, f.srv.Start())

	params := f.srv.StatusParams()
	assert.Equal(t, true, params["isReady"])
	assert.Equal(t, float64(600), params["freeStorage"])
	assert.Equal(t, float64(1000), params["totalStorage"])
	assert.Equal(t, CaptureImagePath, params["captureImagePath"])

	sensors := params["sensors"].([]any)
	require.Len(t, sensors, 3)
	s0 := sensors[0].(map[string]any)
	assert.Equal(t, float64(1000), s0["minCaptureTime"])
	assert.Equal(t, float64(1500), s0["lastCaptureTime"])
	assert.Equal(t, false, s0["isCapturing"])
	assert.Equal(t, float64(0), sensors[1].(map[string]any)["lastCaptureTime"])
	assert.Equal(t, float64(5005), sensors[2].(map[string]any)["lastCaptureTime"])
	assert.Positive(t, f.changes.Load())
}

func TestStart_DiskSpaceError(t *testing.T) {
	f := newFixture(t)
	f.disk.err = errors.New("statfs failed")
	assert.Error(t, f.srv.Start())
	assert.Equal(t, false, f.srv.StatusParams()["isReady"])
}

func TestStatus_ReflectsActiveIntent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.Start())
	f.intents.records = []intent.Record{{
		Name:     capture.TypeName,
		IsActive: true,
		State:    map[string]any{"sensor": float64(1), "capturePeriod": float64(30), "imageProfile": float64(schema.ImageProfileLow), "flip": float64(schema.FlipBoth)},
	}}

	inv, err := f.srv.Status()
	require.NoError(t, err)
	assert.Equal(t, schema.CameraServerStatusID, inv.Command)
	sensors := inv.Params["sensors"].([]any)
	require.Len(t, sensors, 2)
	s1 := sensors[1].(map[string]any)
	assert.Equal(t, true, s1["isCapturing"])
	assert.Equal(t, float64(30), s1["capturePeriod"])
	assert.Equal(t, float64(schema.ImageProfileLow), s1["imageProfile"])
	assert.Equal(t, float64(schema.FlipBoth), s1["flip"])
	assert.Equal(t, false, sensors[0].(map[string]any)["isCapturing"])
}

func TestCreateTimelapse_ReplacesGroup(t *testing.T) {
	f := newFixture(t)
	inv := command(t, "CreateTimelapseCaptureIntent", map[string]any{"sensor": 0, "capturePeriod": 60})

	resp, err := f.table.InvokeLocal(context.Background(), schema.DefaultInvokePath, inv)
	require.NoError(t, err)
	assert.True(t, resp.Bool("success"))
	assert.Equal(t, "44444444-4444-4444-8444-444444444444", resp.String("itemId"))
	assert.Equal(t, []string{"remove:CameraServer", "run:CameraServer:" + capture.TypeName}, f.intents.calls)
}

func TestCreateTimelapse_RejectsInvalidParams(t *testing.T) {
	f := newFixture(t)
	inv := &schema.Invocation{
		Command:     schema.CreateTimelapseCaptureIntentID,
		CommandName: "CreateTimelapseCaptureIntent",
		Params:      map[string]any{"sensor": float64(0), "capturePeriod": float64(-5)},
	}

	resp, err := f.table.InvokeLocal(context.Background(), schema.DefaultInvokePath, inv)
	require.NoError(t, err)
	assert.False(t, resp.Bool("success"))
	assert.NotEmpty(t, resp.String("error"))
	assert.Empty(t, f.intents.calls, "existing capture is kept")
}

func TestStopCapture(t *testing.T) {
	f := newFixture(t)
	resp, err := f.table.InvokeLocal(context.Background(), schema.DefaultInvokePath, command(t, "StopCapture", nil))
	require.NoError(t, err)
	assert.True(t, resp.Bool("success"))
	assert.Equal(t, []string{"remove:CameraServer"}, f.intents.calls)
}

func TestClearTimelapse(t *testing.T) {
	f := newFixture(t)
	writeImage(t, f.dir, 0, 1000, 1000)
	require.NoError(t, f.srv.Start())

	resp, err := f.table.InvokeLocal(context.Background(), schema.DefaultInvokePath, command(t, "ClearTimelapse", nil))
	require.NoError(t, err)
	assert.True(t, resp.Bool("success"))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.srv.StatusParams()["sensors"])
	assert.Equal(t, []string{"remove:CameraServer"}, f.intents.calls)
}

func TestClearTimelapse_WaitsForRunningCapture(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.Start())
	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_, _ = f.srv.cfg.Tasks.Run(context.Background(), taskgroup.Task{Name: "capture", Run: func(context.Context) (any, error) {
			close(running)
			<-release
			return nil, nil
		}})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, f.srv.ClearTimelapse(ctx))

	close(release)
	assert.NoError(t, f.srv.ClearTimelapse(context.Background()))
}

func TestFindCaptureImages(t *testing.T) {
	f := newFixture(t)
	for _, tm := range []int64{1000, 1100, 1200} {
		writeImage(t, f.dir, 0, 1000, tm)
	}
	writeImage(t, f.dir, 0, 2000, 2000)
	require.NoError(t, f.srv.Start())

	inv := command(t, "FindCaptureImages", map[string]any{"sensor": 0, "minTime": 1100, "maxResults": 2})
	resp, err := f.table.InvokeLocal(context.Background(), schema.DefaultLinkPath, inv)
	require.NoError(t, err)
	assert.Equal(t, schema.FindCaptureImagesResultID, resp.Command)
	assert.Equal(t, []any{float64(1100), float64(1200)}, resp.Params["captureTimes"])

	times, err := f.srv.FindCaptureImages(command(t, "FindCaptureImages", map[string]any{"sensor": 3}))
	require.NoError(t, err)
	assert.Empty(t, times)
}

func TestCaptureImageFile(t *testing.T) {
	f := newFixture(t)
	writeImage(t, f.dir, 0, 1000, 1000)
	writeImage(t, f.dir, 0, 1000, 1200)
	require.NoError(t, f.srv.Start())
	bucket := capture.BucketPath(capture.SensorDir(f.dir, 0), 1000)

	p, err := f.srv.CaptureImageFile(command(t, "GetCaptureImage", map[string]any{"imageTime": 1000}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bucket, "1000_64x48.jpg"), p)

	p, err = f.srv.CaptureImageFile(command(t, "GetCaptureImage", map[string]any{"imageTime": 0}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bucket, "1200_64x48.jpg"), p)

	p, err = f.srv.CaptureImageFile(command(t, "GetCaptureImage", map[string]any{"imageTime": 1100}))
	require.NoError(t, err)
	assert.Equal(t, "", p)

	p, err = f.srv.CaptureImageFile(command(t, "GetCaptureImage", map[string]any{"imageTime": 1000, "sensor": 4}))
	require.NoError(t, err)
	assert.Equal(t, "", p)
}

func TestPublishSensor(t *testing.T) {
	f := newFixture(t)
	f.srv.PublishSensor(capture.SensorStatus{Sensor: 0, IsCapturing: true, Summary: capture.Summary{LastCaptureTime: 77}})

	assert.Equal(t, int32(1), f.changes.Load())
	sensors := f.srv.StatusParams()["sensors"].([]any)
	require.Len(t, sensors, 1)
	assert.Equal(t, float64(77), sensors[0].(map[string]any)["lastCaptureTime"])
}

func TestRefreshDiskSpace_SharesConcurrentQueries(t *testing.T) {
	f := newFixture(t)
	f.disk.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			space, err := f.srv.RefreshDiskSpace()
			assert.NoError(t, err)
			assert.Equal(t, uint64(600), space.Free)
		}()
	}
	require.Eventually(t, func() bool { return f.disk.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.disk.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.disk.calls.Load())
}
