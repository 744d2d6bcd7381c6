// Package httpapi serves the agent's HTTP surfaces: the invoke server with
// its link socket on the primary port, and capture images plus metrics on
// the secondary port.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/hostagent/internal/auth"
	"github.com/msageha/hostagent/internal/events"
	"github.com/msageha/hostagent/internal/handler"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/metrics"
	"github.com/msageha/hostagent/internal/schema"
)

const (
	MetricsPath  = "/metrics"
	maxBodyBytes = 1 << 20
)

// ImageSource resolves GetCaptureImage invocations to files on disk.
type ImageSource interface {
	CaptureImageFile(inv *schema.Invocation) (string, error)
}

// Config wires a Server. Images, InvocationLog and Gatherer are optional.
type Config struct {
	Registry      *schema.Registry
	Table         *handler.Table
	Access        *auth.AccessControl
	Bus           *events.Bus
	Images        ImageSource
	ImagePath     string
	InvocationLog *events.InvocationLog
	Gatherer      prometheus.Gatherer
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	s.cfg.Logger.Log(level, format, args...)
}

// Main returns the primary port handler: command invocations on every
// registered path and the link socket.
func (s *Server) Main() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc(schema.DefaultLinkPath, s.handleLinkOrInvoke)
	r.HandleFunc("/", s.handleInvoke)
	r.HandleFunc("/*", s.handleInvoke)
	return r
}

// Secondary returns the secondary port handler: capture images and
// Prometheus metrics.
func (s *Server) Secondary() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.Images != nil && s.cfg.ImagePath != "" {
		r.HandleFunc(s.cfg.ImagePath, s.handleImage)
	}
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.finish(w, r, newExchange("http"), http.StatusNotFound, nil, nil)
	})
	return r
}

// exchange tracks one request for the invocation log.
type exchange struct {
	transport string
	start     time.Time
	command   string
}

func newExchange(transport string) *exchange {
	return &exchange{transport: transport, start: time.Now()}
}

// readCommand returns the raw command text of a GET or POST request. ok is
// false for any other method.
func readCommand(w http.ResponseWriter, r *http.Request) (raw []byte, ok bool, err error) {
	switch r.Method {
	case http.MethodGet:
		c := r.URL.Query().Get(schema.UrlQueryParameter)
		if c == "" {
			return nil, true, errors.New("missing command parameter")
		}
		return []byte(c), true, nil
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return nil, true, err
		}
		return body, true, nil
	default:
		return nil, false, nil
	}
}

var rejectReasons = map[int]string{
	http.StatusBadRequest:       "bad_request",
	http.StatusUnauthorized:     "unauthorized",
	http.StatusNotFound:         "not_found",
	http.StatusMethodNotAllowed: "method",
}

// finish writes code with resp as the JSON body, or the status text when
// resp is nil, and records the exchange.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, ex *exchange, code int, resp *schema.Invocation, cause error) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var body []byte
	if resp != nil {
		data, err := resp.Marshal()
		if err != nil {
			code, cause = http.StatusInternalServerError, err
		} else {
			body = data
			w.Header().Set("Content-Type", "application/json")
		}
	}
	if body == nil {
		body = []byte(http.StatusText(code))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
	s.record(r, ex, code, cause)
}

func (s *Server) record(r *http.Request, ex *exchange, code int, cause error) {
	if reason, ok := rejectReasons[code]; ok {
		s.cfg.Metrics.RequestsRejected.WithLabelValues(reason).Inc()
	}
	s.log(logging.LevelDebug, "%s %d client=%s method=%s path=%s command=%s",
		ex.transport, code, r.RemoteAddr, r.Method, r.URL.Path, ex.command)
	if s.cfg.InvocationLog == nil {
		return
	}
	entry := events.InvocationEntry{
		Timestamp:  ex.start.UTC(),
		Transport:  ex.transport,
		Remote:     r.RemoteAddr,
		Path:       r.URL.Path,
		Command:    ex.command,
		Status:     code,
		DurationMs: time.Since(ex.start).Milliseconds(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := s.cfg.InvocationLog.Record(entry); err != nil {
		s.log(logging.LevelWarn, "invocation log write failed: %v", err)
	}
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down within
// timeout.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
