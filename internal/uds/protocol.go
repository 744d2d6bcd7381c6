// Package uds is the local control socket between the hostagent CLI and a
// running agent.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the data directory.
const DefaultSocketName = "agent.sock"

// maxFrameSize bounds one frame's payload.
const maxFrameSize = 16 << 20

// Control commands served by the agent.
const (
	CommandPing     = "ping"
	CommandStatus   = "status"
	CommandInvoke   = "invoke"
	CommandPeers    = "peers"
	CommandShutdown = "shutdown"
)

// maxRequestTimeout caps the handler time a request may ask for.
const maxRequestTimeout = 10 * time.Minute

// Request is one control call. TimeoutMs is how long the caller waits for
// the reply; the agent bounds the handler by it so a remote invoke is
// abandoned on both sides together.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	TimeoutMs       int64           `json:"timeout_ms,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// timeout returns the requested handler time, or def when none was sent.
func (r *Request) timeout(def time.Duration) time.Duration {
	if r.TimeoutMs <= 0 {
		return def
	}
	return min(time.Duration(r.TimeoutMs)*time.Millisecond, maxRequestTimeout)
}

// Decode unmarshals the request params into dst.
func (r *Request) Decode(dst any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s: missing params", r.Command)
	}
	if err := json.Unmarshal(r.Params, dst); err != nil {
		return fmt.Errorf("%s: decode params: %w", r.Command, err)
	}
	return nil
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches a sentinel carrying only a code, so callers can write
// errors.Is(err, uds.ErrNotFound).
func (e *ErrorDetail) Is(target error) bool {
	t, ok := target.(*ErrorDetail)
	return ok && t.Message == "" && t.Code == e.Code
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRemote           = "REMOTE_ERROR"
)

var (
	ErrValidation = &ErrorDetail{Code: ErrCodeValidation}
	ErrNotFound   = &ErrorDetail{Code: ErrCodeNotFound}
	ErrRemote     = &ErrorDetail{Code: ErrCodeRemote}
)

// InvokeParams carries a command JSON object for this agent's own handler
// table, or for a remote agent when Host is set.
type InvokeParams struct {
	Host    string          `json:"host,omitempty"`
	Path    string          `json:"path,omitempty"`
	Secret  string          `json:"secret,omitempty"`
	Command json.RawMessage `json:"command"`
}

// PeersParams filters the peer listing.
type PeersParams struct {
	Hostname string `json:"hostname,omitempty"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// WriteFrame writes v as a 4-byte big-endian length followed by JSON.
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
