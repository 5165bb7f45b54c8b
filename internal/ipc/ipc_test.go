package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, net.Addr, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "ipc.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	srv := NewServer(listener, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	return srv, listener.Addr(), func() { cancel() }
}

func TestHealthCommandRoundTrips(t *testing.T) {
	srv, addr, stop := newTestServer(t)
	defer stop()

	type healthPayload struct {
		Uptime string `json:"uptime"`
	}
	srv.Handle(CommandHealth, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return healthPayload{Uptime: "1h"}, nil
	})

	conn, err := net.Dial("unix", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := Call(conn, Request{Command: CommandHealth})
	require.NoError(t, err)
	require.True(t, resp.OK)

	var hp healthPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &hp))
	require.Equal(t, "1h", hp.Uptime)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	_, addr, stop := newTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := Call(conn, Request{Command: "not_a_real_command"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}

func TestHandlerErrorSurfacesInResponse(t *testing.T) {
	srv, addr, stop := newTestServer(t)
	defer stop()

	srv.Handle(CommandRemoveCamera, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("camera not found")
	})

	conn, err := net.Dial("unix", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := Call(conn, Request{Command: CommandRemoveCamera})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "camera not found", resp.Error)
}

func TestMultipleRequestsOnOneConnection(t *testing.T) {
	srv, addr, stop := newTestServer(t)
	defer stop()

	calls := 0
	srv.Handle(CommandListCameras, func(ctx context.Context, payload json.RawMessage) (any, error) {
		calls++
		return []string{"cam-1", "cam-2"}, nil
	})

	conn, err := net.Dial("unix", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		resp, err := Call(conn, Request{Command: CommandListCameras})
		require.NoError(t, err)
		require.True(t, resp.OK)
	}
	require.Equal(t, 3, calls)
}

func TestRejectsOversizedFrame(t *testing.T) {
	_, addr, stop := newTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	oversized := make([]byte, MaxFrameBytes+1)
	err = writeFrame(conn, string(oversized))
	require.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "ipc.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	srv := NewServer(listener, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
