// Package daemon runs the agent process: it wires every component, serves
// the network and control sockets, and shuts down gracefully.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/msageha/hostagent/internal/auth"
	"github.com/msageha/hostagent/internal/camera"
	"github.com/msageha/hostagent/internal/capture"
	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/events"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/host"
	"github.com/msageha/hostagent/internal/httpapi"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/lock"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/model"
	"github.com/msageha/hostagent/internal/peer"
	"github.com/msageha/hostagent/internal/runstate"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/taskgroup"
	"github.com/msageha/hostagent/internal/uds"
)

// ApplicationName is reported in AgentStatus.
const ApplicationName = "hostagent"

// Locations inside the data directory.
const (
	ConfDir          = "conf"
	LogFile          = "logs/agent.log"
	InvocationLog    = "logs/invocations.log"
	RunStateFile     = "state/runstate.json"
	LockFile         = "locks/agent.lock"
	IntentConfigFile = "intent.conf"
	CameraCacheDir   = "cache/camera"
)

// Daemon is the agent process.
type Daemon struct {
	dataDir string
	config  model.Config
	version string
	logger  *logging.Logger
	logFile io.Closer
	clock   clock.Clock
	started time.Time

	fileLock *lock.FileLock
	control  *uds.Server
	watcher  *fsnotify.Watcher

	registry   *schema.Registry
	state      *runstate.Store
	access     *auth.AccessControl
	table      *handler.Table
	tasks      *taskgroup.Group
	peers      *peer.Directory
	types      *intent.Types
	intents    *intent.Runtime
	camera     *camera.Server
	bus        *events.Bus
	invocation *events.InvocationLog
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	api        *httpapi.Server
	rebooter   host.Rebooter
	runner     host.Runner

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New opens the agent log under dataDir and returns an unstarted Daemon.
func New(dataDir string, cfg model.Config, version string) (*Daemon, error) {
	logPath := filepath.Join(dataDir, LogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	return newDaemon(dataDir, cfg, version, logFile, logFile), nil
}

func newDaemon(dataDir string, cfg model.Config, version string, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	runner := host.ExecRunner{}
	rebootCmd := cfg.Camera.RebootCommand
	if len(rebootCmd) == 0 {
		rebootCmd = []string{"/sbin/reboot"}
	}
	return &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		version:  version,
		logger:   logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon"),
		logFile:  closer,
		clock:    clock.Real(),
		fileLock: lock.NewFileLock(filepath.Join(dataDir, LockFile)),
		runner:   runner,
		rebooter: host.CommandRebooter{Runner: runner, Name: rebootCmd[0], Args: rebootCmd[1:]},
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

func (d *Daemon) log(level logging.Level, format string, args ...any) {
	d.logger.Log(level, format, args...)
}

// Run starts the agent and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("agent lock: %w", err)
	}
	d.log(logging.LevelInfo, "agent starting pid=%d version=%s", os.Getpid(), d.version)

	// Step 2: Build components and restore intents
	if err := d.setup(); err != nil {
		d.cleanup()
		return err
	}

	// Step 3: Bind listeners before anything runs
	mainLn, err := net.Listen("tcp", d.listenAddr(d.tcpPort1()))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("listen on tcp port 1: %w", err)
	}
	secondLn, err := net.Listen("tcp", d.listenAddr(d.tcpPort2()))
	if err != nil {
		mainLn.Close()
		d.cleanup()
		return fmt.Errorf("listen on tcp port 2: %w", err)
	}

	// Step 4: Control socket
	d.control = uds.NewServer(filepath.Join(d.dataDir, uds.DefaultSocketName), d.logger.With("control"))
	d.registerControlHandlers()
	if err := d.control.Start(); err != nil {
		mainLn.Close()
		secondLn.Close()
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	// Step 5: Watch the conf dir for the intent config file
	if err := d.startWatcher(); err != nil {
		d.log(logging.LevelWarn, "conf dir watch disabled: %v", err)
	}

	// Step 6: Start servers and loops
	d.startLoops(mainLn, secondLn)
	d.log(logging.LevelInfo, "agent ready id=%s port1=%d port2=%d", d.state.AgentID(), d.tcpPort1(), d.tcpPort2())

	// Step 7: Wait for signals or a shutdown command
	d.waitSignals()
	return nil
}

// setup builds every component. It does not listen on any socket.
func (d *Daemon) setup() error {
	d.started = d.clock.Now()

	state, err := runstate.Open(filepath.Join(d.dataDir, RunStateFile), d.logger.With("runstate"))
	if err != nil {
		return fmt.Errorf("open run state: %w", err)
	}
	d.state = state

	d.registry = schema.Builtin()
	d.promReg = prometheus.NewRegistry()
	d.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(d.promReg)
	d.bus = events.NewBus(32, d.logger.With("events"))
	d.table = handler.NewTable()
	d.tasks = taskgroup.New(d.config.Agent.MaxTaskCount)

	invocation, err := events.NewInvocationLog(filepath.Join(d.dataDir, InvocationLog), 0)
	if err != nil {
		return err
	}
	d.invocation = invocation

	d.access, err = auth.New(d.registry, auth.Options{
		Capacity:    d.config.Auth.SessionCapacity,
		TTL:         time.Duration(d.config.Auth.SessionTTLSec) * time.Second,
		DefaultPath: d.config.Auth.AuthorizePath,
		Clock:       d.clock,
	})
	if err != nil {
		return err
	}
	d.access.SetCredentials(auth.CredentialsFromDigest(state.AdminSecretDigest()))

	d.peers = peer.NewDirectory(peer.Config{
		SelfID:      state.AgentID(),
		IdleTimeout: time.Duration(d.config.Agent.PeerIdleTimeoutSec) * time.Second,
		Transport:   peer.NewHTTPTransport(d.registry, d.config.Agent.InvokeTimeout(), ApplicationName+"/"+d.version),
		Registry:    d.registry,
		Local:       d.table,
		Clock:       d.clock,
		Logger:      d.logger.With("peer"),
		Metrics:     d.metrics,
		Prefix:      d.prefix,
	})

	d.types = intent.NewTypes(d.registry, d.logger.With("intent"))
	if d.config.Camera.Enabled {
		if err := d.setupCamera(); err != nil {
			return err
		}
	}

	d.intents = intent.NewRuntime(intent.Config{
		Types:       d.types,
		Registry:    d.registry,
		Store:       state,
		Clock:       d.clock,
		Logger:      d.logger.With("intent"),
		Metrics:     d.metrics,
		Heartbeat:   d.config.Agent.Heartbeat(),
		WritePeriod: time.Duration(d.config.Intents.WritePeriodSec) * time.Second,
		ConfigFile:  d.intentConfigPath(),
	})

	d.registerCommandHandlers()

	d.api = httpapi.New(httpapi.Config{
		Registry:      d.registry,
		Table:         d.table,
		Access:        d.access,
		Bus:           d.bus,
		Images:        d.imageSource(),
		ImagePath:     camera.CaptureImagePath,
		InvocationLog: d.invocation,
		Gatherer:      d.promReg,
		Metrics:       d.metrics,
		Logger:        d.logger.With("http"),
	})

	if d.camera != nil {
		if err := d.camera.Start(); err != nil {
			return fmt.Errorf("start camera server: %w", err)
		}
	}
	d.intents.Start()
	return nil
}

func (d *Daemon) setupCamera() error {
	cachePath := d.config.Camera.CachePath
	if cachePath == "" {
		cachePath = filepath.Join(d.dataDir, CameraCacheDir)
	}
	d.camera = camera.New(camera.Config{
		Registry:        d.registry,
		Intents:         intentsRef{d},
		Types:           d.types,
		Tasks:           d.tasks,
		CachePath:       cachePath,
		DiskSpacePeriod: time.Duration(d.config.Camera.DiskSpacePeriodSec) * time.Second,
		Logger:          d.logger.With("camera"),
		OnChange: func() {
			d.bus.Publish(events.EventCameraChanged, nil)
		},
	})
	return d.types.Register(capture.Type(capture.Deps{
		Registry:        d.registry,
		Clock:           d.clock,
		Runner:          d.runner,
		Tasks:           d.tasks,
		Sink:            d.camera,
		Metrics:         d.metrics,
		Reboot:          d.requestReboot,
		CachePath:       cachePath,
		CaptureProcess:  d.config.Camera.CaptureProcess,
		MaxImageWidth:   d.config.Camera.MaxImageWidth,
		MaxImageHeight:  d.config.Camera.MaxImageHeight,
		MaxBucketFiles:  d.config.Camera.MaxBucketFiles,
		RebootOnFailure: d.config.Camera.RebootOnFailure,
		CaptureTimeout:  time.Duration(d.config.Camera.CaptureTimeoutSec) * time.Second,
		RetryDelay:      time.Duration(d.config.Camera.RetryDelaySec) * time.Second,
	}))
}

// intentsRef defers to the runtime, which is built after the camera server.
type intentsRef struct{ d *Daemon }

func (r intentsRef) RunIntent(in intent.Intent, group string) string {
	return r.d.intents.RunIntent(in, group)
}

func (r intentsRef) RemoveIntentGroup(group string) int {
	return r.d.intents.RemoveIntentGroup(group)
}

func (r intentsRef) FindIntents(f intent.Filter) []intent.Record {
	return r.d.intents.FindIntents(f)
}

func (d *Daemon) imageSource() httpapi.ImageSource {
	if d.camera == nil {
		return nil
	}
	return d.camera
}

// requestReboot sends a Reboot command to this agent through the peer
// directory, so repeated capture failures reboot the same way a remote
// Reboot does.
func (d *Daemon) requestReboot(ctx context.Context) error {
	inv, err := d.registry.BuildCommand(d.prefix(), "Reboot", nil)
	if err != nil {
		return err
	}
	resp, err := d.peers.Invoke(ctx, d.state.AgentID(), schema.DefaultInvokePath, inv, schema.CommandResultID, nil)
	if err != nil {
		return err
	}
	if !resp.Bool("success") {
		return fmt.Errorf("reboot rejected: %s", resp.String("error"))
	}
	return nil
}

func (d *Daemon) prefix() schema.Prefix {
	return schema.Prefix{CreateTime: d.clock.Now().UnixMilli(), AgentID: d.state.AgentID()}
}

func (d *Daemon) intentConfigPath() string {
	if p := d.config.Intents.ConfigFile; p != "" {
		return p
	}
	return filepath.Join(d.dataDir, ConfDir, IntentConfigFile)
}

func (d *Daemon) tcpPort1() int {
	if d.config.Agent.TCPPort1 > 0 {
		return d.config.Agent.TCPPort1
	}
	return schema.DefaultTcpPort1
}

func (d *Daemon) tcpPort2() int {
	if d.config.Agent.TCPPort2 > 0 {
		return d.config.Agent.TCPPort2
	}
	return schema.DefaultTcpPort2
}

func (d *Daemon) udpPort() int {
	if d.config.Agent.UDPPort > 0 {
		return d.config.Agent.UDPPort
	}
	return schema.DefaultUdpPort
}

func (d *Daemon) listenAddr(port int) string {
	return net.JoinHostPort(d.config.Agent.BindAddress, strconv.Itoa(port))
}

func (d *Daemon) startWatcher() error {
	confDir := filepath.Dir(d.intentConfigPath())
	if err := os.MkdirAll(confDir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", confDir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(confDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", confDir, err)
	}
	d.watcher = watcher
	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

func (d *Daemon) startLoops(mainLn, secondLn net.Listener) {
	timeout := d.config.Daemon.ShutdownTimeout()
	servers := []struct {
		name    string
		ln      net.Listener
		handler http.Handler
	}{
		{"main", mainLn, d.api.Main()},
		{"secondary", secondLn, d.api.Secondary()},
	}
	for _, s := range servers {
		s := s
		srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := httpapi.Serve(d.ctx, srv, s.ln, timeout); err != nil {
				d.log(logging.LevelError, "%s http server error=%v", s.name, err)
			}
		}()
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.intents.Run(d.ctx)
	}()
	go d.statusLoop()

	if d.camera != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.camera.Run(d.ctx)
		}()
	}
}

// fsnotifyLoop provisions intents when the intent config file is written.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()
	target := filepath.Clean(d.intentConfigPath())

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.provisionIntents()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(logging.LevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) provisionIntents() {
	n, err := d.intents.ProvisionFromConfig()
	if err != nil {
		d.log(logging.LevelError, "intent config provisioning failed: %v", err)
		return
	}
	if n > 0 {
		d.log(logging.LevelInfo, "provisioned %d intents from %s", n, d.intentConfigPath())
		d.bus.Publish(events.EventIntentsChanged, nil)
	}
}

// statusLoop pushes AgentStatus to link watchers periodically and after
// camera or intent changes.
func (d *Daemon) statusLoop() {
	defer d.wg.Done()
	changes := make(chan struct{}, 1)
	notify := func(events.Event) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}
	unsubCamera := d.bus.Subscribe(events.EventCameraChanged, notify)
	unsubIntents := d.bus.Subscribe(events.EventIntentsChanged, notify)
	defer unsubCamera()
	defer unsubIntents()

	ticker := time.NewTicker(d.config.Agent.StatusPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-changes:
		}
		d.publishStatus()
	}
}

func (d *Daemon) publishStatus() {
	if d.bus.SubscriberCount(events.EventAgentStatus) == 0 {
		return
	}
	status, err := d.agentStatus()
	if err != nil {
		d.log(logging.LevelError, "build agent status failed: %v", err)
		return
	}
	d.bus.Publish(events.EventAgentStatus, map[string]any{"status": status})
}

// waitSignals blocks until a shutdown signal or a shutdown command.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(logging.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(logging.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.stopped:
	}
}

// Shutdown stops the agent. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(logging.LevelInfo, "shutdown started")

		// 1. Cancel context: servers drain, intents stop and write state
		d.cancel()

		// 2. Stop producers
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.control != nil {
			d.control.Stop()
		}
		if d.peers != nil {
			d.peers.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeout()
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(logging.LevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(logging.LevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(logging.LevelInfo, "agent stopped")
		close(d.stopped)
	})
}

// cleanup releases resources. Intents that never ran are stopped here so
// their state is still written.
func (d *Daemon) cleanup() {
	if d.intents != nil {
		d.intents.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.invocation != nil {
		if err := d.invocation.Close(); err != nil {
			d.log(logging.LevelWarn, "close invocation log: %v", err)
		}
	}
	os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
