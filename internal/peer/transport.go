package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/hostagent/internal/schema"
)

// ErrUnauthorized is returned when a peer answers 401. Its text matches the
// message other agents send on the wire.
var ErrUnauthorized = errors.New("Unauthorized")

// StatusError reports a non-200, non-401 HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Non-success response code %d", e.Code)
}

// Address locates a peer's primary invoke server.
type Address struct {
	Hostname string
	Port     int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// Transport delivers one invocation to a peer and returns its response.
type Transport interface {
	Send(ctx context.Context, addr Address, path string, inv *schema.Invocation) (*schema.Invocation, error)
}

const maxResponseBytes = 16 << 20

// HTTPTransport sends invocations as GET requests carrying the command JSON
// in the query string.
type HTTPTransport struct {
	client    *http.Client
	registry  *schema.Registry
	userAgent string
}

func NewHTTPTransport(registry *schema.Registry, timeout time.Duration, userAgent string) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		registry:  registry,
		userAgent: userAgent,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, addr Address, path string, inv *schema.Invocation) (*schema.Invocation, error) {
	body, err := inv.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", inv.CommandName, err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := fmt.Sprintf("http://%s%s?%s=%s", addr, path, schema.UrlQueryParameter, url.QueryEscape(string(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s on %s: %w", inv.CommandName, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out, err := t.registry.ParseCommand(data)
	if err != nil {
		return nil, fmt.Errorf("Invalid response data, %w", err)
	}
	return out, nil
}
