package daemon

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/msageha/hostagent/internal/auth"
	"github.com/msageha/hostagent/internal/events"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

// registerCommandHandlers installs the agent's own commands on the invoke
// path, plus the camera commands when the camera server is enabled. An
// AgentStatus sent to the invoke path is another agent announcing itself.
func (d *Daemon) registerCommandHandlers() {
	path := schema.DefaultInvokePath
	d.table.Handle(path, schema.GetStatusID, d.handleGetStatus)
	d.table.Handle(path, schema.SetAdminSecretID, d.handleSetAdminSecret)
	d.table.Handle(path, schema.ShutdownAgentID, d.handleShutdownAgent)
	d.table.Handle(path, schema.RebootID, d.handleReboot)
	d.table.Handle(path, schema.RemoveIntentID, d.handleRemoveIntent)
	d.table.Handle(path, schema.SetIntentActiveID, d.handleSetIntentActive)
	d.table.Handle(path, schema.AgentStatusID, d.handleAgentStatus)
	if d.camera != nil {
		d.camera.Register(d.table)
	}
}

func (d *Daemon) handleGetStatus(context.Context, *schema.Invocation) (*schema.Invocation, error) {
	return d.agentStatus()
}

// handleSetAdminSecret replaces the admin secret. Issued session tokens stop
// working immediately.
func (d *Daemon) handleSetAdminSecret(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	digest, creds := auth.DeriveCredentials(inv.String("secret"))
	if err := d.state.SetAdminSecretDigest(digest); err != nil {
		d.log(logging.LevelError, "persist admin secret failed: %v", err)
		return handler.Result(d.registry, err), nil
	}
	d.access.SetCredentials(creds)
	d.log(logging.LevelInfo, "admin secret updated; authorize path changed")
	return handler.Result(d.registry, nil), nil
}

func (d *Daemon) handleShutdownAgent(context.Context, *schema.Invocation) (*schema.Invocation, error) {
	d.log(logging.LevelInfo, "shutdown requested by command")
	go d.Shutdown()
	return handler.Result(d.registry, nil), nil
}

func (d *Daemon) handleReboot(context.Context, *schema.Invocation) (*schema.Invocation, error) {
	d.log(logging.LevelWarn, "reboot requested by command")
	go func() {
		if err := d.rebooter.Reboot(d.ctx); err != nil {
			d.log(logging.LevelError, "reboot failed: %v", err)
		}
	}()
	return handler.Result(d.registry, nil), nil
}

func (d *Daemon) handleRemoveIntent(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	err := d.intents.RemoveIntent(inv.String("id"))
	if err == nil {
		d.bus.Publish(events.EventIntentsChanged, nil)
	}
	return handler.Result(d.registry, err), nil
}

func (d *Daemon) handleSetIntentActive(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	err := d.intents.SetIntentActive(inv.String("id"), inv.Bool("isActive"))
	if err == nil {
		d.bus.Publish(events.EventIntentsChanged, nil)
	}
	return handler.Result(d.registry, err), nil
}

// handleAgentStatus records a status report pushed by another agent in the
// peer directory.
func (d *Daemon) handleAgentStatus(_ context.Context, inv *schema.Invocation) (*schema.Invocation, error) {
	err := d.peers.UpdateStatus(inv)
	if err != nil {
		d.log(logging.LevelWarn, "peer status rejected: %v", err)
	}
	return handler.Result(d.registry, err), nil
}

// agentStatus builds this agent's AgentStatus report.
func (d *Daemon) agentStatus() (*schema.Invocation, error) {
	tasks := d.tasks.Status()
	params := map[string]any{
		"id":                d.state.AgentID(),
		"displayName":       d.displayName(),
		"applicationName":   ApplicationName,
		"urlHostname":       d.urlHostname(),
		"tcpPort1":          d.tcpPort1(),
		"tcpPort2":          d.tcpPort2(),
		"udpPort":           d.udpPort(),
		"linkPath":          schema.DefaultLinkPath,
		"uptime":            d.uptime(),
		"version":           d.version,
		"platform":          runtime.GOOS + "/" + runtime.GOARCH,
		"isEnabled":         true,
		"taskCount":         tasks.TaskCount,
		"runCount":          tasks.RunCount,
		"maxRunCount":       tasks.MaxRunCount,
		"runTaskName":       tasks.RunTaskName,
		"activeIntentCount": d.intents.ActiveCount(),
	}
	if d.camera != nil {
		params["cameraServerStatus"] = d.camera.StatusParams()
	}
	return d.registry.BuildCommand(d.prefix(), "AgentStatus", params)
}

func (d *Daemon) uptime() string {
	return d.clock.Now().Sub(d.started).Truncate(time.Second).String()
}

func (d *Daemon) displayName() string {
	if n := d.config.Agent.DisplayName; n != "" {
		return n
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return ApplicationName
}

// urlHostname is the configured hostname, else the machine hostname when it
// is a valid DNS name.
func (d *Daemon) urlHostname() string {
	if h := d.config.Agent.URLHostname; h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil && govalidator.IsDNSName(h) {
		return h
	}
	return "localhost"
}
