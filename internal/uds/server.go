package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/taskvault/internal/logging"
)

// ErrSocketInUse means another process is already answering on the socket.
var ErrSocketInUse = errors.New("socket in use")

// HandlerFunc answers one command. Its response is written back as is.
type HandlerFunc func(req *Request) *Response

// Server answers control commands from the CLI, one request per connection.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	conns    sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		logger:      logger,
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds how long one connection may take from accept to reply.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path. A socket file left by a daemon that died
// is replaced; one that still answers is refused with ErrSocketInUse.
func (s *Server) Start() error {
	if err := s.clearStale(); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = listener

	s.conns.Add(1)
	go s.serve()
	return nil
}

func (s *Server) clearStale() error {
	if _, err := os.Lstat(s.socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	s.logger.Infof("stale_socket_removed path=%s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.conns.Wait()
		if s.listener != nil {
			_ = os.Remove(s.socketPath)
		}
	})
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warnf("accept_failed error=%v", err)
			continue
		}
		s.conns.Add(1)
		go s.answer(conn)
	}
}

func (s *Server) answer(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("request_unreadable error=%v", err)
		return
	}
	start := time.Now()
	resp := s.dispatch(&req)
	if resp == nil {
		resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s returned no response", req.Command))
	}
	code := "ok"
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.logger.Debugf("request command=%s result=%s elapsed=%s", req.Command, code, time.Since(start))

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("response_unwritten command=%s error=%v", req.Command, err)
	}
}

// dispatch runs the command's handler. A panicking handler is answered with
// an internal error instead of a dropped connection.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("client speaks protocol %d, daemon speaks %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("handler_panic command=%s panic=%v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s failed unexpectedly", req.Command))
		}
	}()
	return handler(req)
}
