package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/local"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kolkov/tunsv/internal/service"
)

type ListenConfig struct {
	Path  string
	Mode  os.FileMode
	Group string
	// AllowedUIDs are accepted in addition to root.
	AllowedUIDs []int
}

type Server struct {
	grpc *grpc.Server
	log  zerolog.Logger
}

type handler struct {
	sv  service.SupervisorService
	log zerolog.Logger
}

func NewServer(sv service.SupervisorService, log zerolog.Logger) *Server {
	s := grpc.NewServer(
		grpc.Creds(local.NewCredentials()),
		grpc.ChainUnaryInterceptor(logUnary(log)),
	)
	RegisterSupervisorServer(s, &handler{sv: sv, log: log})
	return &Server{grpc: s, log: log}
}

// Serve blocks until the listener fails or the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("socket", lis.Addr().String()).Msg("control channel listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve control channel: %w", err)
	}
	return nil
}

// GracefulStop waits for in-flight calls; a running stop cascade finishes first.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) Stop() {
	s.grpc.Stop()
}

// Listen opens the control socket. A leftover socket file is removed unless a
// live daemon still answers on it. Connections from uids other than root and
// cfg.AllowedUIDs are closed before any call is read.
func Listen(cfg ListenConfig, log zerolog.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStale(cfg.Path); err != nil {
		return nil, err
	}

	lis, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Path, err)
	}
	if err := os.Chmod(cfg.Path, cfg.Mode); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if cfg.Group != "" {
		if err := chownGroup(cfg.Path, cfg.Group); err != nil {
			_ = lis.Close()
			return nil, err
		}
	}

	allowed := make(map[int]struct{}, len(cfg.AllowedUIDs)+1)
	allowed[0] = struct{}{}
	for _, uid := range cfg.AllowedUIDs {
		allowed[uid] = struct{}{}
	}
	return &peerListener{Listener: lis, allowed: allowed, log: log}, nil
}

func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = c.Close()
		return fmt.Errorf("%s is in use by another daemon", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("socket group: %w", err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("socket group %s: bad gid %q", group, g.Gid)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("chown socket: %w", err)
	}
	return nil
}

type peerListener struct {
	net.Listener
	allowed map[int]struct{}
	log     zerolog.Logger
}

func (l *peerListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		uid, err := peerUID(c)
		switch {
		case errors.Is(err, errors.ErrUnsupported):
			return c, nil
		case err != nil:
			l.log.Warn().Err(err).Msg("rejecting connection: no peer credentials")
		default:
			if _, ok := l.allowed[uid]; ok {
				return c, nil
			}
			l.log.Warn().Int("uid", uid).Msg("rejecting connection from unauthorized uid")
		}
		_ = c.Close()
	}
}

func logUnary(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("control call")
		return resp, err
	}
}

func (h *handler) Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(h.sv.Ping()), nil
}

func (h *handler) Start(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := decodeStartRequest(in)
	h.log.Info().
		Str("executable", req.ExecutablePath).
		Str("config", req.ConfigPath).
		Str("args", req.ExtraArgsJSON).
		Msg("start requested")
	return encodeResult(h.sv.Start(req.ExecutablePath, req.ConfigPath, req.ExtraArgsJSON)), nil
}

func (h *handler) Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	h.log.Info().Msg("stop requested")
	return encodeResult(h.sv.Stop()), nil
}

func (h *handler) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return encodeStatus(h.sv.Status()), nil
}

func (h *handler) TailLogs(_ context.Context, in *wrapperspb.Int32Value) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(h.sv.TailLogs(int(in.GetValue()))), nil
}
