// Package peer tracks remote agents and delivers command invocations to
// them through per-peer FIFO channels with one-shot re-authorization.
package peer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

// AnyResponse disables the response command id check.
const AnyResponse = -1

// Authorization holds the credentials used to sign invocations to a peer.
type Authorization struct {
	Path   string
	Secret string
	Token  string
}

// Info is a snapshot of a peer's identity and telemetry.
type Info struct {
	ID              string
	DisplayName     string
	ApplicationName string
	Version         string
	Hostname        string
	TCPPort1        int
	TCPPort2        int
	UDPPort         int
	RunCount        int
	MaxRunCount     int
	IsEnabled       bool
	CreateTime      time.Time
	LastStatusTime  time.Time
	LastInvokeTime  time.Time
	QueueLength     int
	Invoking        bool
}

type result struct {
	resp *schema.Invocation
	err  error
}

type request struct {
	id       uint64
	path     string
	inv      *schema.Invocation
	expect   int
	override *Authorization
	done     chan result
}

// Peer is a remote agent and its outbound command queue. At most one
// request to a peer is in flight; the rest wait in submission order.
type Peer struct {
	env *env

	mu       sync.Mutex
	info     Info
	auth     Authorization
	queue    []*request
	invoking bool
	nextID   uint64
}

func newPeer(e *env, id string) *Peer {
	now := e.clock.Now()
	return &Peer{
		env:  e,
		info: Info{ID: id, CreateTime: now, LastInvokeTime: now},
	}
}

// Info returns a snapshot of the peer.
func (p *Peer) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	info.QueueLength = len(p.queue)
	info.Invoking = p.invoking
	return info
}

// Authorization returns the peer's stored credentials.
func (p *Peer) Authorization() Authorization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auth
}

// SetAuthorization replaces the peer's stored credentials.
func (p *Peer) SetAuthorization(a Authorization) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auth = a
}

func (p *Peer) setAddress(hostname string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.Hostname = hostname
	p.info.TCPPort1 = port
}

// updateStatus copies telemetry from an AgentStatus invocation.
func (p *Peer) updateStatus(status *schema.Invocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.LastStatusTime = p.env.clock.Now()
	p.info.DisplayName = status.String("displayName")
	p.info.ApplicationName = status.String("applicationName")
	p.info.Version = status.String("version")
	p.info.Hostname = status.String("urlHostname")
	p.info.TCPPort1 = int(status.Number("tcpPort1"))
	p.info.TCPPort2 = int(status.Number("tcpPort2"))
	p.info.UDPPort = int(status.Number("udpPort"))
	p.info.RunCount = int(status.Number("runCount"))
	p.info.MaxRunCount = int(status.Number("maxRunCount"))
	p.info.IsEnabled = status.Bool("isEnabled")
}

// lastActive is the latest of creation, last status report and last invoke.
func (info Info) lastActive() time.Time {
	t := info.CreateTime
	if info.LastStatusTime.After(t) {
		t = info.LastStatusTime
	}
	if info.LastInvokeTime.After(t) {
		t = info.LastInvokeTime
	}
	return t
}

// idleFor returns how long the peer has been unused. It reports false while
// work is queued or in flight.
func (p *Peer) idleFor(now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invoking || len(p.queue) > 0 {
		return 0, false
	}
	return now.Sub(p.info.lastActive()), true
}

// Invoke queues inv for delivery to path and waits for the response. When
// expect is not AnyResponse the response must carry that command id. A
// non-nil override with a secret replaces the peer's own credentials for
// this request. If ctx ends first the request still runs in order but its
// result is discarded.
func (p *Peer) Invoke(ctx context.Context, path string, inv *schema.Invocation, expect int, override *Authorization) (*schema.Invocation, error) {
	if inv == nil {
		return nil, errors.New("invalid command: nil invocation")
	}
	req := &request{
		path:     path,
		inv:      inv.Clone(),
		expect:   expect,
		override: override,
		done:     make(chan result, 1),
	}

	p.mu.Lock()
	req.id = p.nextID
	p.nextID++
	p.queue = append(p.queue, req)
	p.info.LastInvokeTime = p.env.clock.Now()
	start := !p.invoking
	if start {
		p.invoking = true
	}
	p.mu.Unlock()

	if start {
		go p.drain()
	}

	select {
	case r := <-req.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain executes queued requests one at a time until the queue is empty.
func (p *Peer) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.invoking = false
			p.info.LastInvokeTime = p.env.clock.Now()
			p.mu.Unlock()
			return
		}
		req := p.queue[0]
		p.info.LastInvokeTime = p.env.clock.Now()
		p.mu.Unlock()

		resp, err := p.execute(req)

		p.mu.Lock()
		p.queue = p.queue[1:]
		p.info.LastInvokeTime = p.env.clock.Now()
		p.mu.Unlock()

		if err != nil {
			p.env.metrics.Invocations.WithLabelValues("error").Inc()
			p.log(logging.LevelDebug, "invoke failed command=%s request=%d err=%v", req.inv.CommandName, req.id, err)
		} else {
			p.env.metrics.Invocations.WithLabelValues("ok").Inc()
		}
		req.done <- result{resp: resp, err: err}
	}
}

func (p *Peer) execute(req *request) (*schema.Invocation, error) {
	ctx := p.env.ctx
	var secret, authPath, token string
	commandToken := false
	if req.override != nil && req.override.Secret != "" {
		secret = req.override.Secret
		authPath = req.override.Path
		if authPath == "" {
			authPath = schema.DefaultAuthorizePath
		}
		token = req.override.Token
		commandToken = token != ""
	} else {
		a := p.Authorization()
		secret, authPath, token = a.Secret, a.Path, a.Token
	}

	if secret != "" && token != "" {
		p.env.registry.SetAuthorization(req.inv, secret, token)
	}
	resp, err := p.send(ctx, req.path, req.inv, req.expect)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, ErrUnauthorized) || secret == "" || commandToken {
		return nil, err
	}

	token, err = p.authorize(ctx, authPath, secret)
	if err != nil {
		p.log(logging.LevelInfo, "authorize failed peer=%s err=%v", p.Info().ID, err)
		return nil, ErrUnauthorized
	}
	p.env.registry.SetAuthorization(req.inv, secret, token)
	return p.send(ctx, req.path, req.inv, req.expect)
}

// authorize performs the Authorize handshake and stores the issued token
// on the peer.
func (p *Peer) authorize(ctx context.Context, authPath, secret string) (string, error) {
	p.env.metrics.Reauthorizations.Inc()
	authInv, err := p.env.registry.BuildCommand(p.env.prefix(), "Authorize", map[string]any{"token": p.env.newToken()})
	if err != nil {
		return "", err
	}
	p.env.registry.SetAuthorization(authInv, secret, "")
	if authPath == "" {
		authPath = schema.DefaultAuthorizePath
	}
	resp, err := p.send(ctx, authPath, authInv, schema.AuthorizeResultID)
	if err != nil {
		return "", err
	}
	token := resp.String("token")
	p.mu.Lock()
	p.auth.Token = token
	p.mu.Unlock()
	return token, nil
}

func (p *Peer) send(ctx context.Context, path string, inv *schema.Invocation, expect int) (*schema.Invocation, error) {
	info := p.Info()
	if info.Hostname == "" || info.TCPPort1 <= 0 {
		return nil, fmt.Errorf("Missing host address for agent ID %s", info.ID)
	}
	resp, err := p.env.transport.Send(ctx, Address{Hostname: info.Hostname, Port: info.TCPPort1}, path, inv)
	if err != nil {
		return nil, err
	}
	if expect != AnyResponse && resp.Command != expect {
		return nil, fmt.Errorf("Incorrect response type %d, expected %d", resp.Command, expect)
	}
	return resp, nil
}

func (p *Peer) log(level logging.Level, format string, args ...any) {
	p.env.logger.Log(level, format, args...)
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}
