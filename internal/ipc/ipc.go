// Package ipc implements the local control surface spec §6 names:
// list/add/remove/test camera, get health snapshot, start/stop
// service, set thresholds — over a length-prefixed JSON
// request/response socket. No pack dependency implements a bespoke
// framed protocol, so this is stdlib net + encoding/binary +
// encoding/json; the typed-command-enum dispatch style is modeled on
// ts-vms's Service methods, generalized from per-method JSON handlers
// to one switch over a Command field.
package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// MaxFrameBytes bounds a single request/response body to guard
// against a misbehaving client holding the socket open on a huge
// length prefix.
const MaxFrameBytes = 1 << 20 // 1 MiB

// Command identifies a control-surface operation.
type Command string

const (
	CommandListCameras   Command = "list_cameras"
	CommandAddCamera     Command = "add_camera"
	CommandRemoveCamera  Command = "remove_camera"
	CommandTestCamera    Command = "test_camera"
	CommandHealth        Command = "health"
	CommandStartService  Command = "start_service"
	CommandStopService   Command = "stop_service"
	CommandSetThresholds Command = "set_thresholds"
)

// Request is the length-prefixed JSON envelope sent by a client.
type Request struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the length-prefixed JSON envelope returned to a client.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler executes one Command and returns a JSON-marshalable result
// or an error, which the Server turns into Response.Error.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Server accepts connections on a local socket (unix domain socket or
// loopback TCP) and dispatches each framed Request to a registered
// Handler.
type Server struct {
	listener net.Listener
	handlers map[Command]Handler
	logger   *zap.Logger
}

// NewServer wraps an already-bound listener (created by main.go via
// net.Listen("unix", path) or net.Listen("tcp", addr)) so tests can
// supply an in-memory listener instead of touching the filesystem.
func NewServer(listener net.Listener, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listener: listener,
		handlers: map[Command]Handler{},
		logger:   logger.Named("ipc"),
	}
}

// Handle registers fn for cmd, replacing any previous registration.
func (s *Server) Handle(cmd Command, fn Handler) {
	s.handlers[cmd] = fn
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled on its own goroutine since
// control-surface calls are independent and infrequent.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		req, err := readFrame[Request](r)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("read frame failed", zap.Error(err))
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Warn("write frame failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	handler, ok := s.handlers[req.Command]
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}

	result, err := handler(ctx, req.Payload)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	if result == nil {
		return Response{OK: true}
	}
	body, err := json.Marshal(result)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("marshal response: %v", err)}
	}
	return Response{OK: true, Payload: body}
}

// Call sends a single framed Request over conn and returns the framed
// Response, for use by the configuration front-end client.
func Call(conn net.Conn, req Request) (Response, error) {
	if err := writeFrame(conn, req); err != nil {
		return Response{}, err
	}
	return readFrame[Response](bufio.NewReader(conn))
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

func readFrame[T any](r io.Reader) (T, error) {
	var zero T

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return zero, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameBytes {
		return zero, fmt.Errorf("ipc: frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return zero, fmt.Errorf("ipc: read frame body: %w", err)
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return zero, fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return v, nil
}
