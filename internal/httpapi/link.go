package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/msageha/hostagent/internal/events"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

const linkWriteTimeout = 10 * time.Second

// linkConn is one link socket client. Writes are serialized because status
// events arrive on bus goroutines.
type linkConn struct {
	conn   *websocket.Conn
	remote string

	mu       sync.Mutex
	watching func()
}

func (l *linkConn) send(inv *schema.Invocation) error {
	data, err := inv.Marshal()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *linkConn) close() {
	l.mu.Lock()
	unwatch := l.watching
	l.watching = nil
	l.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	_ = l.conn.Close()
}

// handleLink runs a link socket session. Each text message is a command;
// responses and watched status updates are written back as commands.
// Unparseable and unauthorized messages are dropped.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(logging.LevelDebug, "link upgrade failed: client=%s err=%v", r.RemoteAddr, err)
		return
	}
	l := &linkConn{conn: conn, remote: r.RemoteAddr}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.close()
	s.log(logging.LevelDebug, "link client connected: client=%s", l.remote)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log(logging.LevelDebug, "link client disconnected: client=%s", l.remote)
			return
		}
		s.handleLinkMessage(ctx, l, data)
	}
}

func (s *Server) handleLinkMessage(ctx context.Context, l *linkConn, data []byte) {
	inv, err := s.cfg.Registry.ParseCommand(data)
	if err != nil {
		s.log(logging.LevelDebug, "discard link command: client=%s err=%v", l.remote, err)
		return
	}

	if inv.Command == schema.AuthorizeID {
		resp, err := s.cfg.Access.Authorize(inv)
		if err != nil {
			resp = handler.Result(s.cfg.Registry, err)
		}
		s.reply(l, resp)
		return
	}
	if !s.cfg.Access.IsAuthorized(inv) {
		s.cfg.Metrics.RequestsRejected.WithLabelValues("unauthorized").Inc()
		s.log(logging.LevelDebug, "discard link command (unauthorized): client=%s command=%s", l.remote, inv.CommandName)
		return
	}

	if inv.Command == schema.WatchStatusID {
		s.watchStatus(l)
		return
	}

	resp, err := s.cfg.Table.InvokeLocal(ctx, schema.DefaultLinkPath, inv)
	if errors.Is(err, handler.ErrNotFound) {
		s.log(logging.LevelDebug, "discard link command (no handler): client=%s command=%s", l.remote, inv.CommandName)
		return
	}
	if err != nil {
		resp = handler.Result(s.cfg.Registry, err)
	}
	if resp != nil {
		s.reply(l, resp)
	}
}

// watchStatus forwards every published AgentStatus to l until it closes.
func (s *Server) watchStatus(l *linkConn) {
	if s.cfg.Bus == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching != nil {
		return
	}
	l.watching = s.cfg.Bus.Subscribe(events.EventAgentStatus, func(ev events.Event) {
		status, ok := ev.Data["status"].(*schema.Invocation)
		if !ok {
			return
		}
		s.reply(l, status)
	})
}

func (s *Server) reply(l *linkConn, inv *schema.Invocation) {
	if err := l.send(inv); err != nil {
		s.log(logging.LevelDebug, "link write failed: client=%s err=%v", l.remote, err)
	}
}
