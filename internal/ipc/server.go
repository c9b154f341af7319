package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"restune/internal/api"
	"restune/internal/daemon"
	"restune/internal/logging"
	"restune/internal/receiver"
	"restune/internal/tuning"
)

const serviceName = "Restune"

// Server exposes the daemon via JSON-RPC over a Unix domain socket. Each
// connection gets its own service bound to the peer's kernel credentials.
type Server struct {
	path     string
	daemon   *daemon.Daemon
	logger   *slog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path. The socket is
// world writable; the permission tier comes from peer credentials.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:     path,
		daemon:   d,
		logger:   logging.NewComponentLogger(logger, "ipc"),
		listener: listener,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.serveConn(c)
			}(conn)
		}
	}()
}

func (s *Server) serveConn(conn net.Conn) {
	cred, err := peerCredentials(conn)
	if err != nil {
		logging.WarnWithContext(s.logger, "peer credentials unavailable", "ipc_peercred_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the connection is treated as an unverified third-party client"),
		)
		cred = receiver.Credentials{}
	}
	rpcServer := rpc.NewServer()
	svc := &service{daemon: s.daemon, logger: s.logger, ctx: s.ctx, cred: cred}
	if err := rpcServer.RegisterName(serviceName, svc); err != nil {
		s.logger.Error("register rpc service", logging.Error(err))
		_ = conn.Close()
		return
	}
	rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close stops the server, drops open connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
		)
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
	cred   receiver.Credentials
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	receipt, err := s.daemon.Receive(s.ctx, req.Envelope, s.cred)
	resp.RequestID = string(receipt.RequestID)
	resp.Queued = receipt.Queued
	resp.Coalesced = receipt.Coalesced
	resp.Cancelled = receipt.Cancelled
	if err != nil {
		kind := tuning.KindOf(err)
		if kind == "internal" {
			return err
		}
		resp.ErrorKind = kind
		resp.Error = err.Error()
	}
	return nil
}

// Signal submits env as a signal regardless of its declared kind.
func (s *service) Signal(req SubmitRequest, resp *SubmitResponse) error {
	req.Envelope.Kind = "signal"
	req.Envelope.Request = nil
	return s.Submit(req, resp)
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) ListTunings(req ListTuningsRequest, resp *ListTuningsResponse) error {
	resp.Tunings = api.FromActiveTunings(s.daemon.ListTunings(strings.TrimSpace(req.Client)))
	return nil
}

func (s *service) ListClients(_ ListClientsRequest, resp *ListClientsResponse) error {
	resp.Clients = api.FromClientInfos(s.daemon.ListClients())
	return nil
}

func (s *service) RequestOutcome(req OutcomeRequest, resp *OutcomeResponse) error {
	outcome, ok := s.daemon.Outcome(strings.TrimSpace(req.RequestID))
	resp.Found = ok
	if ok {
		resp.Outcome = api.FromOutcome(outcome)
	}
	return nil
}
