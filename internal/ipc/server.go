package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/logging"
)

// Handler executes one command and returns the response payload. A returned
// error, or a panic, is sent back as {"error": ..., "ack": false}.
type Handler func(ctx context.Context, command string, payload map[string]any) (map[string]any, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.OrNop(l).WithComponent("ipc") }
}

// WithMaxMessageBytes overrides DefaultMaxMessageBytes.
func WithMaxMessageBytes(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithJoinTimeout bounds how long Stop waits for the accept loop and
// in-flight connections.
func WithJoinTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.joinTimeout = d
		}
	}
}

// WithConnTimeout bounds the read-handle-write cycle of one connection.
func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connTimeout = d
		}
	}
}

// Server accepts control connections on a unix socket.
type Server struct {
	path        string
	handler     Handler
	logger      *logging.Logger
	maxBytes    int
	joinTimeout time.Duration
	connTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	conns    sync.WaitGroup
}

// NewServer creates a server for the socket at path. Nothing is bound until
// Start.
func NewServer(path string, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		path:        path,
		handler:     handler,
		logger:      logging.NopLogger(),
		maxBytes:    DefaultMaxMessageBytes,
		joinTimeout: time.Second,
		connTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Start binds the socket with owner-only permissions and launches the accept
// loop. A leftover socket file from a crashed process is removed first; a
// socket that still accepts connections is an error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.NewIPCError("create socket directory", err).WithEndpoint(s.path)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.NewIPCError("listen", err).WithEndpoint(s.path)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return errors.NewIPCError("chmod socket", err).WithEndpoint(s.path)
	}

	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.acceptLoop(ln, s.done)

	s.logger.Info("ipc server listening", "socket", s.path)
	return nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return errors.NewIPCError("socket already in use", nil).WithEndpoint(path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIPCError("remove stale socket", err).WithEndpoint(path)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err.Error())
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads one request, runs the handler and writes one response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	req, err := ReadMessage(conn, s.maxBytes)
	if err != nil {
		s.logger.Debug("bad request", "error", err.Error())
		if errors.Is(err, errors.ErrMessageTooLarge) || errors.Is(err, errors.ErrMalformedMessage) {
			_ = WriteMessage(conn, NewMessage(TypeResponse, "", ErrorPayload(err)), s.maxBytes)
		}
		return
	}

	if req.Type == TypeNotification {
		s.invoke(req)
		return
	}

	payload := s.invoke(req)
	resp := NewMessage(TypeResponse, req.Command, payload)
	if err := WriteMessage(conn, resp, s.maxBytes); err != nil {
		s.logger.Warn("failed to write response", "command", req.Command, "error", err.Error())
		if errors.Is(err, errors.ErrMessageTooLarge) {
			_ = WriteMessage(conn, NewMessage(TypeResponse, req.Command, ErrorPayload(err)), s.maxBytes)
		}
	}
}

// invoke runs the handler, converting errors and panics into error payloads.
func (s *Server) invoke(req Message) (payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc handler panicked",
				"command", req.Command,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			payload = ErrorPayload(fmt.Errorf("handler panic: %v", r))
		}
	}()

	if s.handler == nil {
		return ErrorPayload(fmt.Errorf("no handler registered"))
	}
	result, err := s.handler(s.ctx, req.Command, req.Payload)
	if err != nil {
		return ErrorPayload(err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return result
}

// Stop closes the listener, waits (bounded) for the accept loop and open
// connections, and removes the socket file. Stop is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	s.cancel()
	closeErr := ln.Close()

	select {
	case <-s.done:
	case <-time.After(s.joinTimeout):
		s.logger.Warn("accept loop did not exit in time")
	}

	connsDone := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(connsDone)
	}()
	select {
	case <-connsDone:
	case <-time.After(s.joinTimeout):
		s.logger.Warn("open connections did not finish in time")
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIPCError("remove socket", err).WithEndpoint(s.path)
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return errors.NewIPCError("close listener", closeErr).WithEndpoint(s.path)
	}
	s.logger.Info("ipc server stopped", "socket", s.path)
	return nil
}
