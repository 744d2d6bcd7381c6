package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/msageha/hostagent/internal/auth"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/intent"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/peer"
	"github.com/msageha/hostagent/internal/schema"
	"github.com/msageha/hostagent/internal/uds"
)

// ControlStatus is the reply to the control "status" command.
type ControlStatus struct {
	PID         int                `json:"pid"`
	AgentID     string             `json:"agent_id"`
	Uptime      string             `json:"uptime"`
	Peers       int                `json:"peers"`
	Intents     []intent.Record    `json:"intents"`
	AgentStatus *schema.Invocation `json:"agent_status"`
}

// PeerEntry is one known agent in the control "peers" listing.
type PeerEntry struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Version        string    `json:"version,omitempty"`
	Hostname       string    `json:"hostname"`
	Port           int       `json:"port"`
	IsEnabled      bool      `json:"is_enabled"`
	Authorized     bool      `json:"authorized"`
	LastStatusTime time.Time `json:"last_status_time"`
	QueueLength    int       `json:"queue_length"`
	Invoking       bool      `json:"invoking"`
}

// registerControlHandlers registers local control socket handlers.
func (d *Daemon) registerControlHandlers() {
	d.control.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.control.Handle(uds.CommandStatus, d.handleControlStatus)
	d.control.Handle(uds.CommandInvoke, d.handleControlInvoke)
	d.control.Handle(uds.CommandPeers, d.handleControlPeers)
	d.control.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.log(logging.LevelInfo, "shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleControlStatus(context.Context, *uds.Request) *uds.Response {
	status, err := d.agentStatus()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(ControlStatus{
		PID:         os.Getpid(),
		AgentID:     d.state.AgentID(),
		Uptime:      d.uptime(),
		Peers:       d.peers.Len(),
		Intents:     d.intents.FindIntents(intent.Filter{}),
		AgentStatus: status,
	})
}

// handleControlPeers lists the peer directory, optionally narrowed to one
// hostname.
func (d *Daemon) handleControlPeers(_ context.Context, req *uds.Request) *uds.Response {
	var p uds.PeersParams
	if len(req.Params) > 0 {
		if err := req.Decode(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	var match func(peer.Info) bool
	if p.Hostname != "" {
		match = func(info peer.Info) bool { return strings.EqualFold(info.Hostname, p.Hostname) }
	}
	entries := []PeerEntry{}
	for _, info := range d.peers.Find(match) {
		entry := PeerEntry{
			ID:             info.ID,
			DisplayName:    info.DisplayName,
			Version:        info.Version,
			Hostname:       info.Hostname,
			Port:           info.TCPPort1,
			IsEnabled:      info.IsEnabled,
			LastStatusTime: info.LastStatusTime,
			QueueLength:    info.QueueLength,
			Invoking:       info.Invoking,
		}
		if pr, ok := d.peers.Get(info.ID); ok {
			entry.Authorized = pr.Authorization().Secret != ""
		}
		entries = append(entries, entry)
	}
	return uds.SuccessResponse(entries)
}

// handleControlInvoke runs a command against this agent's handler table,
// or against a remote agent through the peer directory when a host is
// given. Secret is the remote agent's admin secret. A remote AgentStatus
// reply is recorded in the directory along with the secret that reached
// it.
func (d *Daemon) handleControlInvoke(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.InvokeParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	inv, err := d.registry.ParseCommand(p.Command)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	path := p.Path
	if path == "" {
		path = schema.DefaultInvokePath
	}

	var resp *schema.Invocation
	if p.Host == "" {
		resp, err = d.table.InvokeLocal(ctx, path, inv)
		if errors.Is(err, handler.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
	} else {
		var override *peer.Authorization
		if p.Secret != "" {
			_, creds := auth.DeriveCredentials(p.Secret)
			override = &peer.Authorization{Secret: creds.Secret, Path: creds.AuthorizePath}
		}
		resp, err = d.peers.InvokeHost(ctx, p.Host, path, inv, peer.AnyResponse, override)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeRemote, err.Error())
		}
		if resp.Command == schema.AgentStatusID {
			d.recordPeerStatus(resp, override)
		}
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(resp)
}

func (d *Daemon) recordPeerStatus(status *schema.Invocation, creds *peer.Authorization) {
	if err := d.peers.UpdateStatus(status); err != nil {
		d.log(logging.LevelWarn, "peer status rejected: %v", err)
		return
	}
	id := status.String("id")
	if creds == nil || id == d.state.AgentID() {
		return
	}
	if err := d.peers.SetAuthorization(id, *creds); err != nil {
		d.log(logging.LevelDebug, "store peer credentials: %v", err)
	}
}
