// Package ipcserver implements the length-prefixed-JSON Unix-domain-socket
// protocol hook-handler processes use to reach the daemon: a 4-byte
// big-endian length prefix followed by a UTF-8 JSON envelope, one request
// and at most one response per connection.
package ipcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codelatch/codelatchd/internal/apperrors"
	"github.com/codelatch/codelatchd/internal/envelope"
)

// MaxFrameSize bounds a single frame's JSON payload; larger frames are
// rejected and the connection is closed.
const MaxFrameSize = 1 << 20 // 1 MiB

// Handler processes one hook request. For non-blocking requests its return
// value is ignored by the wire protocol (the server acks before the handler
// necessarily finishes); for blocking requests the returned hook output is
// written back to the caller. ctx is canceled if the client disconnects
// before the handler returns, so long-waiting handlers (a permission
// request sitting in the router) can drop their in-memory waiter.
type Handler func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error)

// Server accepts IPC connections on a single Unix socket.
type Server struct {
	path    string
	handler Handler
	logger  *log.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Server for path. If logger is nil, logs are discarded.
func New(path string, handler Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{path: path, handler: handler, logger: logger}
}

// Start binds the socket and begins accepting connections in the
// background. It removes a stale socket left behind by a crashed process,
// but refuses to start if another process is actively listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return apperrors.New(apperrors.CodeDaemonAlreadyRunning, "IPC server already started")
	}
	if s.path == "" {
		return apperrors.New(apperrors.CodeInternal, "IPC socket path is empty")
	}
	if err := validateSocketPath(s.path); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "validate socket path", err)
	}

	if err := s.prepareSocketDir(); err != nil {
		return err
	}
	if err := s.ensureSocketAvailable(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "listen on IPC socket", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		os.Remove(s.path)
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "set IPC socket permissions", err)
	}

	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the listener, waits for in-flight connections to finish, and
// removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	var stopErr error
	if listener != nil {
		if err := listener.Close(); err != nil {
			stopErr = fmt.Errorf("close IPC listener: %w", err)
		}
	}
	s.wg.Wait()

	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && stopErr == nil {
			stopErr = fmt.Errorf("remove IPC socket: %w", err)
		}
	}
	return stopErr
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Printf("ipcserver: accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	payload, err := readFrame(conn)
	if err != nil {
		s.logger.Printf("ipcserver: read frame: %v", err)
		return
	}

	var req envelope.HookEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		writeFrame(conn, errorResponse("", fmt.Sprintf("malformed envelope: %v", err)))
		return
	}
	if req.Version != envelope.Version {
		writeFrame(conn, errorResponse(req.RequestID, fmt.Sprintf("unsupported envelope version %d", req.Version)))
		return
	}

	if !req.Blocking {
		go s.handler(context.Background(), req)
		writeFrame(conn, mustEnvelope(req.RequestID, envelope.AllowOutput()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		output json.RawMessage
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		output, err := s.handler(ctx, req)
		resultCh <- result{output, err}
	}()

	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		var buf [1]byte
		conn.Read(buf[:])
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			writeFrame(conn, errorResponse(req.RequestID, res.err.Error()))
			return
		}
		writeFrame(conn, mustEnvelope(req.RequestID, res.output))
	case <-peerClosed:
		cancel()
		<-resultCh // drain so the handler goroutine doesn't leak
	}
}

func (s *Server) prepareSocketDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "create IPC socket directory", err)
	}
	return os.Chmod(dir, 0700)
}

func (s *Server) ensureSocketAvailable() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "stat IPC socket", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return apperrors.New(apperrors.CodeDaemonUnavailable, "IPC socket path is not a socket: "+s.path)
	}

	conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return apperrors.New(apperrors.CodeDaemonAlreadyRunning, "IPC socket already in use: "+s.path)
	}
	if errors.Is(err, os.ErrPermission) {
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "permission denied accessing IPC socket", err)
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.CodeDaemonUnavailable, "remove stale IPC socket", err)
	}
	return nil
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, apperrors.New(apperrors.CodeIPCTooLarge, fmt.Sprintf("frame of %d bytes exceeds %d byte cap", n, MaxFrameSize))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return apperrors.Wrap(apperrors.CodeIPCFraming, "write frame length", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return apperrors.Wrap(apperrors.CodeIPCFraming, "write frame payload", err)
	}
	return nil
}

func mustEnvelope(requestID string, output json.RawMessage) []byte {
	resp := envelope.HookResponseEnvelope{RequestID: requestID, HookOutput: output}
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func errorResponse(requestID, message string) []byte {
	return mustEnvelope(requestID, envelope.DenyOutput(message))
}
