package courier

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrHandlerTimeout means the handler did not decide within the deadline.
// The courier treats it as fail-open: the command is acked with status
// "timeout" rather than retried.
var ErrHandlerTimeout = errors.New("courier: handler timeout")

// Result is the handler's decision for one command.
type Result struct {
	// CommandID identifies the command inside the (opaque) payload. Only the
	// handler can read it; an empty value suppresses the ack.
	CommandID string

	Accepted bool

	// Result is an optional opaque response blob echoed back in the ack.
	Result []byte
}

// Handler processes one command payload and reports a decision.
type Handler interface {
	Handle(ctx context.Context, payload []byte) (Result, error)
}

// maxHandlerResponseBytes bounds one response line from the handler socket.
const maxHandlerResponseBytes = 1 << 20

type handlerRequest struct {
	SchemaVersion int    `json:"schema_version"`
	PayloadB64    string `json:"payload_b64"`
}

type handlerResponse struct {
	CommandID string `json:"command_id"`
	Accepted  bool   `json:"accepted"`
	ResultB64 string `json:"result_b64,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SocketHandler forwards commands to a local daemon over a unix socket, one
// line-delimited JSON request/response per connection.
type SocketHandler struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewSocketHandler builds a handler for the given socket path.
func NewSocketHandler(socketPath string, dialTimeout time.Duration) (*SocketHandler, error) {
	if socketPath == "" {
		return nil, errors.New("courier: handler socket path is required")
	}
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &SocketHandler{socketPath: socketPath, dialTimeout: dialTimeout}, nil
}

// Handle sends the payload and waits for the daemon's decision. The deadline
// comes from ctx; exceeding it maps to ErrHandlerTimeout.
func (h *SocketHandler) Handle(ctx context.Context, payload []byte) (Result, error) {
	conn, err := net.DialTimeout("unix", h.socketPath, h.dialTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("courier: dial handler: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := handlerRequest{
		SchemaVersion: 1,
		PayloadB64:    base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return Result{}, h.mapErr("write", err)
	}

	reader := bufio.NewReaderSize(conn, 4096)
	respLine, err := readBoundedLine(reader, maxHandlerResponseBytes)
	if err != nil {
		return Result{}, h.mapErr("read", err)
	}

	var resp handlerResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return Result{}, fmt.Errorf("courier: decode handler response: %w", err)
	}
	if resp.Error != "" {
		return Result{CommandID: resp.CommandID}, fmt.Errorf("courier: handler error: %s", resp.Error)
	}

	var result []byte
	if resp.ResultB64 != "" {
		result, err = base64.StdEncoding.DecodeString(resp.ResultB64)
		if err != nil {
			return Result{}, fmt.Errorf("courier: decode handler result: %w", err)
		}
	}

	return Result{CommandID: resp.CommandID, Accepted: resp.Accepted, Result: result}, nil
}

func (h *SocketHandler) mapErr(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrHandlerTimeout
	}
	return fmt.Errorf("courier: %s handler: %w", op, err)
}

func readBoundedLine(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > limit {
				return nil, errors.New("courier: handler response too large")
			}
			continue
		}
		return nil, err
	}
}
