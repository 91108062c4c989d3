package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"audioleds/internal/control"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local clients (ledctl, scripts) read and write device resources over a
// Unix domain socket.
//
// Protocol: line-delimited JSON, one request per line, one response each.
//   - Client sends: {"method": "PUT", "resource": "color", "payload": "<base64>"}
//   - Server responds: {"status": "ok", "code": "2.04"} or
//     {"status": "error", "code": "4.03", "error": "msg"}
// ============================================================================

// IPCRequest is one resource request. Payload is base64 in JSON.
type IPCRequest struct {
	Method   string `json:"method"`
	Resource string `json:"resource"`
	Payload  []byte `json:"payload,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status  string `json:"status"`            // "ok" or "error"
	Code    string `json:"code,omitempty"`    // resource response code, e.g. "2.05"
	Payload []byte `json:"payload,omitempty"` // GET result
	Error   string `json:"error,omitempty"`   // error message if status == "error"
}

// maxIPCLine bounds one request line.
const maxIPCLine = 64 * 1024

// runIPCServer serves the socket until ctx is canceled, then closes the
// listener and removes the socket file.
func runIPCServer(ctx context.Context, socketPath string, surface *control.Surface, logger *slog.Logger) error {
	logger = logger.With("component", "ipc")

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, surface, logger)
	}
}

// handleIPCConnection serves one client until it disconnects or ctx ends.
func handleIPCConnection(ctx context.Context, conn net.Conn, surface *control.Surface, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxIPCLine)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req IPCRequest
		var resp IPCResponse
		if err := json.Unmarshal(line, &req); err != nil {
			resp = IPCResponse{
				Status: "error",
				Code:   control.BadRequest.Dotted(),
				Error:  fmt.Sprintf("parse request: %v", err),
			}
		} else {
			resp = toIPCResponse(surface.Handle(ctx, control.Request{
				Method:   req.Method,
				Resource: req.Resource,
				Payload:  req.Payload,
			}))
		}

		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Debug("IPC read error", "error", err)
	}

	logger.Debug("IPC connection closed")
}

func toIPCResponse(r control.Response) IPCResponse {
	out := IPCResponse{Status: "ok", Code: r.Code.Dotted(), Payload: r.Payload}
	if !r.Code.Success() {
		out.Status = "error"
		if r.Err != nil {
			out.Error = r.Err.Error()
		} else {
			out.Error = r.Code.String()
		}
	}
	return out
}

// ============================================================================
// IPC Client
// ============================================================================

// SendIPCRequest sends one request and returns the daemon's response. A
// rejected request is not an error here; check resp.Status.
func SendIPCRequest(socketPath string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
