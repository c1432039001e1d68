package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/orchestrator/internal/log"
)

// Handler serves one command. ctx is cancelled when the server stops. A
// returned *Error reaches the client with its code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server answers requests on a socket owned by the running daemon.
type Server struct {
	path        string
	connTimeout time.Duration
	logger      log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	ln       net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	done   chan struct{}
}

func NewServer(path string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Noop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:        path,
		connTimeout: 30 * time.Second,
		logger:      logger.WithValues(log.Kv{"svc": "uds.Server"}),
		handlers:    make(map[string]Handler),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds how long one connection may take, request and response included.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start binds the socket and serves in the background until Stop. Any file
// left at the socket path is replaced; the daemon lock guarantees no live
// server owns it.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("server already started on %s", s.path)
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.ln = ln
	s.done = make(chan struct{})
	go s.serve(ln)

	s.logger.Infof("listening socket=%s", s.path)
	return nil
}

// Stop closes the socket, cancels running handlers and waits for open
// connections. Calling it more than once is fine.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	ln, done := s.ln, s.done
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	_ = ln.Close()
	<-done
	s.conns.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warningf("accept error=%v", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		s.logger.Debugf("read request error=%v", err)
		return
	}

	resp := s.dispatch(req)
	if err := WriteMessage(conn, resp); err != nil {
		s.logger.Warningf("write response command=%s error=%v", req.Command, err)
	}
}

// dispatch runs the handler for req. A panicking handler yields an internal
// error response; the server keeps serving.
func (s *Server) dispatch(req Request) (resp Response) {
	if req.Version != ProtocolVersion {
		return failResponse(Errorf(CodeProtocolMismatch, "client speaks protocol %d, daemon speaks %d", req.Version, ProtocolVersion))
	}

	s.mu.Lock()
	h, ok := s.handlers[req.Command]
	s.mu.Unlock()
	if !ok {
		return failResponse(Errorf(CodeUnknownCommand, "unknown command %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("handler panic command=%s panic=%v\n%s", req.Command, r, debug.Stack())
			resp = failResponse(Errorf(CodeInternal, "%s handler failed", req.Command))
		}
	}()

	s.logger.Debugf("request command=%s", req.Command)
	out, err := h(s.ctx, req.Params)
	if err != nil {
		return failResponse(s.asError(err))
	}
	return okResponse(out)
}

func (s *Server) asError(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Errorf(CodeCancelled, "%v", err)
	default:
		return Errorf(CodeInternal, "%v", err)
	}
}
