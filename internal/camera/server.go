// Package camera serves camera commands and tracks storage totals and the
// capture status of each sensor.
package camera

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/hostagent/internal/capture"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/host"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/taskgroup"
)

const (
	// GroupName is the intent group owned by the camera server.
	GroupName = "CameraServer"
	// CaptureImagePath serves GetCaptureImage requests.
	CaptureImagePath       = "/camera/image.jpg"
	DefaultDiskSpacePeriod = 7 * time.Minute
)

// Intents is the part of the intent runtime the camera server drives.
type Intents interface {
	RunIntent(in intent.Intent, group string) string
	RemoveIntentGroup(group string) int
	FindIntents(f intent.Filter) []intent.Record
}

// Config wires a Server.
type Config struct {
	Registry        *schema.Registry
	Intents         Intents
	Types           *intent.Types
	Tasks           *taskgroup.Group
	Disk            host.DiskSpacer
	CachePath       string
	DiskSpacePeriod time.Duration
	Logger          *logging.Logger
	// OnChange is called after the camera status changes, possibly while
	// the intent runtime is locked. It must not block.
	OnChange func()
}

// Server holds storage totals and the sensor status published by capture
// intents, and implements the camera commands.
type Server struct {
	cfg Config
	sf  singleflight.Group

	mu      sync.RWMutex
	ready   bool
	space   host.DiskSpace
	sensors map[int]capture.SensorStatus
}

func New(cfg Config) *Server {
	if cfg.DiskSpacePeriod <= 0 {
		cfg.DiskSpacePeriod = DefaultDiskSpacePeriod
	}
	if cfg.Disk == nil {
		cfg.Disk = host.Statfs{}
	}
	return &Server{cfg: cfg, sensors: make(map[int]capture.SensorStatus)}
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	s.cfg.Logger.Log(level, format, args...)
}

// Start creates the cache directory, reads storage totals and indexes any
// sensor caches already on disk.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.cfg.CachePath, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if _, err := s.RefreshDiskSpace(); err != nil {
		return err
	}
	sensors, err := s.scanSensors()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, st := range sensors {
		if _, ok := s.sensors[st.Sensor]; !ok {
			s.sensors[st.Sensor] = st
		}
	}
	s.ready = true
	s.mu.Unlock()
	s.log(logging.LevelInfo, "camera server started: cachePath=%s sensors=%d", s.cfg.CachePath, len(sensors))
	s.changed()
	return nil
}

func (s *Server) scanSensors() ([]capture.SensorStatus, error) {
	entries, err := os.ReadDir(s.cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}
	var out []capture.SensorStatus
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n < 0 {
			continue
		}
		summary, err := capture.ReadCacheSummary(capture.SensorDir(s.cfg.CachePath, n))
		if err != nil {
			s.log(logging.LevelWarn, "failed to read sensor cache: sensor=%d err=%v", n, err)
			continue
		}
		out = append(out, capture.SensorStatus{Sensor: n, Summary: summary})
	}
	return out, nil
}

// Run refreshes storage totals every DiskSpacePeriod until ctx ends.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DiskSpacePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RefreshDiskSpace(); err != nil {
				s.log(logging.LevelWarn, "disk space refresh failed: %v", err)
			}
		}
	}
}

// RefreshDiskSpace queries the cache filesystem. Concurrent callers share
// one query.
func (s *Server) RefreshDiskSpace() (host.DiskSpace, error) {
	v, err, _ := s.sf.Do("disk", func() (any, error) {
		return s.cfg.Disk.DiskSpace(s.cfg.CachePath)
	})
	if err != nil {
		return host.DiskSpace{}, fmt.Errorf("query disk space: %w", err)
	}
	space := v.(host.DiskSpace)
	s.mu.Lock()
	changed := s.space != space
	s.space = space
	s.mu.Unlock()
	if changed {
		s.changed()
	}
	return space, nil
}

// PublishSensor records the latest status of one sensor's capture.
func (s *Server) PublishSensor(st capture.SensorStatus) {
	s.mu.Lock()
	s.sensors[st.Sensor] = st
	s.mu.Unlock()
	s.changed()
}

func (s *Server) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (s *Server) sensor(n int) (capture.SensorStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sensors[n]
	if ok {
		st.Summary = st.Summary.Clone()
	}
	return st, ok
}

// activeSettings returns the configuration of each sensor's active capture
// intent in the camera group.
func (s *Server) activeSettings() map[int]capture.State {
	active := true
	out := make(map[int]capture.State)
	for _, rec := range s.cfg.Intents.FindIntents(intent.Filter{Group: GroupName, Active: &active}) {
		if rec.Name != capture.TypeName {
			continue
		}
		st, err := capture.DecodeState(rec.State)
		if err != nil {
			continue
		}
		out[st.Sensor] = st
	}
	return out
}

// StatusParams returns CameraServerStatus params. Entry n of sensors
// describes sensor n.
func (s *Server) StatusParams() map[string]any {
	settings := s.activeSettings()

	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for n := range s.sensors {
		count = max(count, n+1)
	}
	for n := range settings {
		count = max(count, n+1)
	}

	sensors := make([]any, count)
	for i := range sensors {
		st := s.sensors[i]
		entry := map[string]any{
			"isCapturing":       false,
			"capturePeriod":     float64(0),
			"imageProfile":      float64(schema.ImageProfileDefault),
			"flip":              float64(schema.FlipNone),
			"minCaptureTime":    float64(st.Summary.MinCaptureTime),
			"lastCaptureTime":   float64(st.Summary.LastCaptureTime),
			"lastCaptureWidth":  float64(st.Summary.LastCaptureWidth),
			"lastCaptureHeight": float64(st.Summary.LastCaptureHeight),
		}
		if cfg, ok := settings[i]; ok {
			entry["isCapturing"] = true
			entry["capturePeriod"] = cfg.CapturePeriod
			entry["imageProfile"] = float64(cfg.ImageProfile)
			entry["flip"] = float64(cfg.Flip)
		}
		sensors[i] = entry
	}
	return map[string]any{
		"isReady":          s.ready,
		"freeStorage":      float64(s.space.Free),
		"totalStorage":     float64(s.space.Total),
		"captureImagePath": CaptureImagePath,
		"sensors":          sensors,
	}
}

// Status builds a CameraServerStatus invocation.
func (s *Server) Status() (*schema.Invocation, error) {
	return s.cfg.Registry.BuildCommand(schema.Prefix{}, "CameraServerStatus", s.StatusParams())
}

// Register installs the camera command handlers.
func (s *Server) Register(table *handler.Table) {
	table.Handle(schema.DefaultInvokePath, schema.CreateTimelapseCaptureIntentID, s.handleCreateTimelapse)
	table.Handle(schema.DefaultInvokePath, schema.StopCaptureID, s.handleStopCapture)
	table.Handle(schema.DefaultInvokePath, schema.ClearTimelapseID, s.handleClearTimelapse)
	table.Handle(schema.DefaultLinkPath, schema.FindCaptureImagesID, s.handleFindCaptureImages)
}

func (s *Server) handleCreateTimelapse(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	in, err := s.cfg.Types.New(capture.TypeName, inv.Params)
	if err != nil {
		s.log(logging.LevelWarn, "rejected timelapse configuration: %v", err)
		return handler.Result(s.cfg.Registry, err), nil
	}
	s.cfg.Intents.RemoveIntentGroup(GroupName)
	id := s.cfg.Intents.RunIntent(in, GroupName)
	res := handler.Result(s.cfg.Registry, nil)
	res.Params["itemId"] = id
	s.changed()
	return res, nil
}

func (s *Server) handleStopCapture(_ context.Context, _ *schema.Invocation) (*schema.Invocation, error) {
	s.cfg.Intents.RemoveIntentGroup(GroupName)
	s.changed()
	return handler.Result(s.cfg.Registry, nil), nil
}

func (s *Server) handleClearTimelapse(ctx context.Context, _ *schema.Invocation) (*schema.Invocation, error) {
	return handler.Result(s.cfg.Registry, s.ClearTimelapse(ctx)), nil
}

// ClearTimelapse stops capture, waits for running capture work to finish,
// then deletes every cached image.
func (s *Server) ClearTimelapse(ctx context.Context) error {
	s.cfg.Intents.RemoveIntentGroup(GroupName)
	s.mu.Lock()
	s.sensors = make(map[int]capture.SensorStatus)
	s.mu.Unlock()
	s.changed()

	if s.cfg.Tasks != nil {
		if err := s.cfg.Tasks.AwaitIdle(ctx); err != nil {
			return fmt.Errorf("wait for capture tasks: %w", err)
		}
	}
	s.log(logging.LevelInfo, "clear cache directory by command: path=%s", s.cfg.CachePath)
	if err := os.RemoveAll(s.cfg.CachePath); err != nil {
		s.log(logging.LevelError, "failed to clear cache directory: path=%s err=%v", s.cfg.CachePath, err)
		return fmt.Errorf("clear cache directory: %w", err)
	}
	if err := os.MkdirAll(s.cfg.CachePath, 0755); err != nil {
		s.log(logging.LevelError, "failed to create cache directory: path=%s err=%v", s.cfg.CachePath, err)
		return fmt.Errorf("create cache directory: %w", err)
	}
	if _, err := s.RefreshDiskSpace(); err != nil {
		s.log(logging.LevelWarn, "disk space refresh failed: %v", err)
	}
	return nil
}

func (s *Server) handleFindCaptureImages(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	times, err := s.FindCaptureImages(inv)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(times))
	for i, t := range times {
		list[i] = float64(t)
	}
	return s.cfg.Registry.BuildCommand(schema.Prefix{}, "FindCaptureImagesResult", map[string]any{"captureTimes": list})
}

// FindCaptureImages answers a FindCaptureImages invocation with matching
// capture times.
func (s *Server) FindCaptureImages(inv *schema.Invocation) ([]int64, error) {
	var p struct {
		Sensor       int     `json:"sensor"`
		MinTime      float64 `json:"minTime"`
		MaxTime      float64 `json:"maxTime"`
		MaxResults   int     `json:"maxResults"`
		IsDescending bool    `json:"isDescending"`
	}
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	st, ok := s.sensor(p.Sensor)
	if !ok {
		return []int64{}, nil
	}
	return capture.FindCaptureImages(capture.SensorDir(s.cfg.CachePath, p.Sensor), st.Summary, capture.Query{
		MinTime:      int64(p.MinTime),
		MaxTime:      int64(p.MaxTime),
		MaxResults:   p.MaxResults,
		IsDescending: p.IsDescending,
	})
}

// CaptureImageFile resolves a GetCaptureImage invocation to an image file.
// A zero imageTime selects the sensor's latest image. It returns "" when no
// such image exists.
func (s *Server) CaptureImageFile(inv *schema.Invocation) (string, error) {
	var p struct {
		ImageTime float64 `json:"imageTime"`
		Sensor    int     `json:"sensor"`
	}
	if err := inv.Decode(&p); err != nil {
		return "", err
	}
	st, ok := s.sensor(p.Sensor)
	if !ok {
		return "", nil
	}
	if p.ImageTime <= 0 {
		return st.Summary.LastCaptureFile, nil
	}
	return capture.CaptureImagePath(capture.SensorDir(s.cfg.CachePath, p.Sensor), st.Summary, int64(p.ImageTime))
}
