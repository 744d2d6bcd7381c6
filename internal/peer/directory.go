package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/schema"
)

// DefaultIdleTimeout is how long an unused peer is kept.
const DefaultIdleTimeout = 900 * time.Second

// LocalInvoker executes invocations addressed to this agent in-process.
type LocalInvoker interface {
	InvokeLocal(ctx context.Context, path string, inv *schema.Invocation) (*schema.Invocation, error)
}

// Config wires a Directory's collaborators. Zero values get defaults where
// one exists.
type Config struct {
	SelfID      string
	IdleTimeout time.Duration
	Transport   Transport
	Registry    *schema.Registry
	Local       LocalInvoker
	Clock       clock.Clock
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	// Prefix supplies the prefix for commands the channel builds itself.
	Prefix func() schema.Prefix
	// NewToken supplies Authorize token seeds.
	NewToken func() string
}

type env struct {
	ctx       context.Context
	transport Transport
	registry  *schema.Registry
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Metrics
	prefix    func() schema.Prefix
	newToken  func() string
}

// Directory maps peer ids to Peers, routes invocations and expires peers
// that sit idle past the timeout using a single timer.
type Directory struct {
	env         *env
	cancel      context.CancelFunc
	selfID      string
	local       LocalInvoker
	idleTimeout time.Duration

	mu          sync.Mutex
	peers       map[string]*Peer
	expireTimer clock.Timer
	stopped     bool
}

func NewDirectory(cfg Config) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	e := &env{
		ctx:       ctx,
		transport: cfg.Transport,
		registry:  cfg.Registry,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		prefix:    cfg.Prefix,
		newToken:  cfg.NewToken,
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.metrics == nil {
		e.metrics = metrics.Discard()
	}
	if e.prefix == nil {
		e.prefix = func() schema.Prefix { return schema.Prefix{} }
	}
	if e.newToken == nil {
		e.newToken = randomToken
	}
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Directory{
		env:         e,
		cancel:      cancel,
		selfID:      cfg.SelfID,
		local:       cfg.Local,
		idleTimeout: timeout,
		peers:       make(map[string]*Peer),
	}
}

// Stop cancels in-flight deliveries and the expiry timer.
func (d *Directory) Stop() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.expireTimer != nil {
		d.expireTimer.Stop()
		d.expireTimer = nil
	}
}

// Get returns the peer with the given id.
func (d *Directory) Get(id string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	return p, ok
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// ResolveOrCreate returns the peer reachable at hostname:port, creating one
// keyed "hostname:port" when none is known.
func (d *Directory) ResolveOrCreate(hostname string, port int) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		info := p.Info()
		if info.Hostname == hostname && info.TCPPort1 == port {
			return p
		}
	}
	id := net.JoinHostPort(hostname, strconv.Itoa(port))
	p := newPeer(d.env, id)
	p.setAddress(hostname, port)
	d.peers[id] = p
	d.env.metrics.Peers.Set(float64(len(d.peers)))
	return p
}

// UpdateStatus records an AgentStatus report, creating the peer if needed.
func (d *Directory) UpdateStatus(status *schema.Invocation) error {
	if status.Command != schema.AgentStatusID {
		return fmt.Errorf("update status: unexpected command %s", status.CommandName)
	}
	id := status.String("id")
	if id == d.selfID {
		return nil
	}
	d.mu.Lock()
	p, ok := d.peers[id]
	if !ok {
		p = newPeer(d.env, id)
		d.peers[id] = p
		d.env.metrics.Peers.Set(float64(len(d.peers)))
	}
	d.mu.Unlock()
	p.updateStatus(status)
	d.ExpireIdle()
	return nil
}

// SetAuthorization stores credentials for a peer.
func (d *Directory) SetAuthorization(id string, a Authorization) error {
	p, ok := d.Get(id)
	if !ok {
		return fmt.Errorf("unknown agent %s", id)
	}
	p.SetAuthorization(a)
	return nil
}

// Find returns snapshots of the peers match accepts, sorted by id. A nil
// match returns every peer.
func (d *Directory) Find(match func(Info) bool) []Info {
	d.mu.Lock()
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	var out []Info
	for _, p := range peers {
		info := p.Info()
		if match == nil || match(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke delivers inv to the identified peer, or executes it in-process when
// id names this agent.
func (d *Directory) Invoke(ctx context.Context, id, path string, inv *schema.Invocation, expect int, override *Authorization) (*schema.Invocation, error) {
	if id == d.selfID && d.local != nil {
		resp, err := d.local.InvokeLocal(ctx, path, inv)
		if err != nil {
			return nil, err
		}
		if expect != AnyResponse && resp.Command != expect {
			return nil, fmt.Errorf("Incorrect response type %d, expected %d", resp.Command, expect)
		}
		return resp, nil
	}
	p, ok := d.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", id)
	}
	return d.invokePeer(ctx, p, path, inv, expect, override)
}

// InvokeHost delivers inv to the agent at hostSpec ("host" or "host:port").
func (d *Directory) InvokeHost(ctx context.Context, hostSpec, path string, inv *schema.Invocation, expect int, override *Authorization) (*schema.Invocation, error) {
	hostname, port, err := ParseHost(hostSpec)
	if err != nil {
		return nil, err
	}
	return d.invokePeer(ctx, d.ResolveOrCreate(hostname, port), path, inv, expect, override)
}

func (d *Directory) invokePeer(ctx context.Context, p *Peer, path string, inv *schema.Invocation, expect int, override *Authorization) (*schema.Invocation, error) {
	d.ExpireIdle()
	defer d.ExpireIdle()
	return p.Invoke(ctx, path, inv, expect, override)
}

// ExpireIdle removes peers idle for at least the timeout and re-arms the
// single expiry timer for the next candidate. Peers with queued or
// in-flight work are never removed.
func (d *Directory) ExpireIdle() {
	now := d.env.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	next := time.Duration(-1)
	for id, p := range d.peers {
		idle, ok := p.idleFor(now)
		remaining := d.idleTimeout
		if ok {
			if idle >= d.idleTimeout {
				delete(d.peers, id)
				d.env.metrics.ExpiredPeers.Inc()
				d.env.logger.Log(logging.LevelDebug, "peer expired id=%s idle=%s", id, idle)
				continue
			}
			remaining = d.idleTimeout - idle
		}
		if next < 0 || remaining < next {
			next = remaining
		}
	}
	d.env.metrics.Peers.Set(float64(len(d.peers)))

	if d.expireTimer != nil {
		d.expireTimer.Stop()
		d.expireTimer = nil
	}
	if next > 0 {
		d.expireTimer = d.env.clock.AfterFunc(next, d.ExpireIdle)
	}
}

// ParseHost splits "host[:port]", defaulting the port.
func ParseHost(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, errors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, schema.DefaultTcpPort1, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in host %q", hostport)
	}
	return host, port, nil
}
