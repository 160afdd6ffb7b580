package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/testutil"
)

func startServer(t *testing.T, handler Handler, opts ...ServerOption) *Server {
	t.Helper()
	path := SocketPath(filepath.Join(testutil.SocketDir(t), "sock"), "test")
	srv := NewServer(path, handler, opts...)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(TypeRequest, CommandShutdown, map[string]any{"force": true})
	if err := WriteMessage(&buf, msg, 0); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	n := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(n) != buf.Len()-4 {
		t.Errorf("length prefix %d does not match body %d", n, buf.Len()-4)
	}

	got, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Type != TypeRequest || got.Command != CommandShutdown || got.Payload["force"] != true {
		t.Errorf("ReadMessage() = %+v", got)
	}
}

func TestFraming_Errors(t *testing.T) {
	bigPayload := map[string]any{"blob": strings.Repeat("x", 2048)}

	t.Run("write too large", func(t *testing.T) {
		var buf bytes.Buffer
		err := WriteMessage(&buf, NewMessage(TypeRequest, "status", bigPayload), 1024)
		if !errors.Is(err, errors.ErrMessageTooLarge) {
			t.Errorf("error = %v, want ErrMessageTooLarge", err)
		}
		if buf.Len() != 0 {
			t.Error("nothing should be written for an oversized message")
		}
	})

	t.Run("read too large", func(t *testing.T) {
		var buf bytes.Buffer
		_ = WriteMessage(&buf, NewMessage(TypeRequest, "status", bigPayload), 0)
		_, err := ReadMessage(&buf, 1024)
		if !errors.Is(err, errors.ErrMessageTooLarge) {
			t.Errorf("error = %v, want ErrMessageTooLarge", err)
		}
	})

	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		_ = WriteMessage(&buf, NewMessage(TypeRequest, "status", nil), 0)
		truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
		_, err := ReadMessage(truncated, 0)
		if !errors.Is(err, errors.ErrConnectionClosed) {
			t.Errorf("error = %v, want ErrConnectionClosed", err)
		}
	})

	t.Run("empty stream", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader(nil), 0)
		if !errors.Is(err, errors.ErrConnectionClosed) {
			t.Errorf("error = %v, want ErrConnectionClosed", err)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		body := []byte("{nope")
		frame := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(frame, uint32(len(body)))
		copy(frame[4:], body)
		_, err := ReadMessage(bytes.NewReader(frame), 0)
		if !errors.Is(err, errors.ErrMalformedMessage) {
			t.Errorf("error = %v, want ErrMalformedMessage", err)
		}
		if !errors.IsProtocolError(err) {
			t.Error("framing errors should be IPCError")
		}
	})
}

func TestSocketPath(t *testing.T) {
	if got := SocketPath("/tmp/planloop", "abc"); got != "/tmp/planloop/orchestrator-abc.sock" {
		t.Errorf("SocketPath() = %q", got)
	}
}

func TestServer_RoundTrip(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		if command == CommandStatus {
			return map[string]any{"ok": true}, nil
		}
		return nil, fmt.Errorf("unknown command %q", command)
	})

	info, err := os.Stat(srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permissions = %o, want 600", perm)
	}

	client := NewClient(srv.Path(), 2*time.Second)
	resp, err := client.Send(context.Background(), CommandStatus, nil)
	if err != nil {
		t.Fatalf("Send(status) error = %v", err)
	}
	if resp["ok"] != true {
		t.Errorf("payload = %v, want ok=true", resp)
	}

	resp, err = client.Send(context.Background(), "bogus", nil)
	if err != nil {
		t.Fatalf("handler errors should arrive as payloads, got %v", err)
	}
	if Ack(resp) || !strings.Contains(ResponseError(resp), "unknown command") {
		t.Errorf("error payload = %v", resp)
	}
}

func TestServer_HandlerPanic(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		if command == "explode" {
			panic("kaboom")
		}
		return map[string]any{"ack": true}, nil
	})

	client := NewClient(srv.Path(), 2*time.Second)
	resp, err := client.Send(context.Background(), "explode", nil)
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if !strings.Contains(ResponseError(resp), "kaboom") {
		t.Errorf("panic payload = %v", resp)
	}

	ok, err := client.Heartbeat(context.Background())
	if err != nil || !ok {
		t.Errorf("server should survive a handler panic: ok=%v err=%v", ok, err)
	}
}

func TestClient_Helpers(t *testing.T) {
	var gotForce any
	srv := startServer(t, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		switch command {
		case CommandShutdown:
			gotForce = payload["force"]
			return map[string]any{"ack": true}, nil
		case CommandPause:
			return map[string]any{"ack": false}, nil
		case CommandResume, CommandHeartbeat:
			return map[string]any{"ack": true}, nil
		case CommandStatus:
			return map[string]any{"state": "running"}, nil
		}
		return nil, fmt.Errorf("unexpected")
	})
	client := NewClient(srv.Path(), 2*time.Second)
	ctx := context.Background()

	if ok, err := client.Shutdown(ctx, true); err != nil || !ok {
		t.Errorf("Shutdown = %v, %v", ok, err)
	}
	if gotForce != true {
		t.Errorf("force flag = %v, want true", gotForce)
	}
	if ok, err := client.Pause(ctx); err != nil || ok {
		t.Errorf("Pause = %v, %v; want false, nil", ok, err)
	}
	if ok, err := client.Resume(ctx); err != nil || !ok {
		t.Errorf("Resume = %v, %v", ok, err)
	}
	st, err := client.Status(ctx)
	if err != nil || st["state"] != "running" {
		t.Errorf("Status = %v, %v", st, err)
	}
	if !client.IsAvailable() {
		t.Error("IsAvailable should be true while serving")
	}
}

func TestClient_MissingSocket(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "nobody.sock")
	client := NewClient(path, time.Second)

	_, err := client.Send(context.Background(), CommandStatus, nil)
	var ipcErr *errors.IPCError
	if !errors.As(err, &ipcErr) {
		t.Fatalf("error = %T %v, want *IPCError", err, err)
	}
	if !errors.Is(err, errors.ErrEndpointUnavailable) {
		t.Errorf("error = %v, want ErrEndpointUnavailable", err)
	}
	if ipcErr.Endpoint != path || ipcErr.Command != CommandStatus {
		t.Errorf("IPCError context = %+v", ipcErr)
	}
	if client.IsAvailable() {
		t.Error("IsAvailable should be false for a missing socket")
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{"ack": true}, nil
	}, WithJoinTimeout(100*time.Millisecond))
	defer close(release)

	client := NewClient(srv.Path(), 100*time.Millisecond)
	start := time.Now()
	_, err := client.Send(context.Background(), CommandStatus, nil)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if !errors.IsRetryable(err) {
		t.Errorf("timeout error should be retryable: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Send did not respect timeout: %v", time.Since(start))
	}
}

func TestServer_OversizedRequest(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"ack": true}, nil
	}, WithMaxMessageBytes(1024))

	client := NewClient(srv.Path(), time.Second)
	resp, err := client.Send(context.Background(), CommandStatus, map[string]any{"blob": strings.Repeat("y", 4096)})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if !strings.Contains(ResponseError(resp), "limit 1024") {
		t.Errorf("oversized request should get an error payload, got %v", resp)
	}
}

func TestServer_StopRemovesSocket(t *testing.T) {
	path := SocketPath(testutil.SocketDir(t), "stopme")
	srv := NewServer(path, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		return nil, nil
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("socket file should be removed after Stop")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestServer_ReplacesStaleSocketFile(t *testing.T) {
	path := SocketPath(testutil.SocketDir(t), "stale")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(path, func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"ack": true}, nil
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start over stale file: %v", err)
	}
	defer srv.Stop()

	other := NewServer(path, nil)
	if err := other.Start(); err == nil {
		_ = other.Stop()
		t.Error("starting a second server on a live socket should fail")
	}
}

func TestBroadcast(t *testing.T) {
	okHandler := func(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"ack": command == CommandPause}, nil
	}
	a := startServer(t, okHandler)
	b := startServer(t, okHandler)
	missing := filepath.Join(testutil.SocketDir(t), "gone.sock")

	paths := []string{a.Path(), missing, b.Path()}
	results := Broadcast(context.Background(), paths, CommandPause, nil, time.Second)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, p := range []string{a.Path(), b.Path()} {
		if !results[p].Acked() {
			t.Errorf("result for %s = %+v, want acked", p, results[p])
		}
	}
	if !errors.Is(results[missing].Err, errors.ErrEndpointUnavailable) {
		t.Errorf("missing endpoint error = %v", results[missing].Err)
	}
}

func TestClient_RejectsNonResponse(t *testing.T) {
	dir := testutil.SocketDir(t)
	path := filepath.Join(dir, "raw.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = ReadMessage(conn, 0)
		_ = WriteMessage(conn, NewMessage(TypeNotification, "status", nil), 0)
	}()

	_, err = NewClient(path, time.Second).Send(context.Background(), CommandStatus, nil)
	if !errors.Is(err, errors.ErrMalformedMessage) {
		t.Errorf("error = %v, want ErrMalformedMessage", err)
	}
}
