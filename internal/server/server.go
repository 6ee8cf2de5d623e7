package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/miniapp-io/miniapp-host/internal/config"
	"github.com/miniapp-io/miniapp-host/internal/transport"
	"github.com/miniapp-io/miniapp-host/internal/wallet"
	"github.com/miniapp-io/miniapp-host/internal/webviewcache"
	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Deps are the process-wide collaborators of a HostServer.
type Deps struct {
	Wallet   *wallet.Service
	Cache    *webviewcache.Cache
	Registry *prometheus.Registry
	Metrics  *Metrics
	Shell    ShellOptions
}

// HostServer wires dependencies and hosts the gRPC shell service.
type HostServer struct {
	cfg        config.Config
	log        *zap.Logger
	deps       Deps
	grpcServer *grpc.Server
	shell      *ShellService
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// NewHostServer constructs a server with its dependencies. A nil Registry
// gets a fresh one; a nil Metrics is registered on it.
func NewHostServer(cfg config.Config, logger *zap.Logger, deps Deps) *HostServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(deps.Registry)
	}
	if deps.Cache == nil {
		deps.Cache = webviewcache.New(cfg.WebViewCache.MaxSize, logger)
	}
	if deps.Wallet == nil {
		deps.Wallet = wallet.NewService(wallet.Config{}, wallet.Options{Log: logger, Metrics: deps.Metrics})
	}
	shellOpts := deps.Shell
	shellOpts.Metrics = deps.Metrics
	if shellOpts.WebAppName == "" {
		shellOpts.WebAppName = cfg.Bridge.WebAppName
	}
	if shellOpts.EvalTimeout <= 0 {
		shellOpts.EvalTimeout = cfg.Bridge.EvalTimeout
	}
	return &HostServer{
		cfg:   cfg,
		log:   logger,
		deps:  deps,
		shell: NewShellService(logger, deps.Wallet, deps.Cache, shellOpts),
	}
}

// Shell exposes the stream service.
func (s *HostServer) Shell() *ShellService { return s.shell }

// Start listens on the configured address and blocks until shutdown.
func (s *HostServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve hosts the gRPC server on lis until ctx ends.
func (s *HostServer) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.cfg.GRPCServer
	creds, err := transport.ServerOption(gs.TLS)
	if err != nil {
		return fmt.Errorf("shell transport credentials: %w", err)
	}
	s.startAdminServer()

	var grpcOpts []grpc.ServerOption
	if gs.KeepaliveTime > 0 {
		grpcOpts = append(grpcOpts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    gs.KeepaliveTime,
				Timeout: gs.KeepaliveTimeout,
				// MaxConnectionIdle drops shells that stopped talking.
				MaxConnectionIdle: gs.MaxConnectionIdle,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             gs.KeepaliveTime / 2,
				PermitWithoutStream: true,
			}),
		)
	}
	if gs.MaxRecvMsgSize > 0 {
		grpcOpts = append(grpcOpts, grpc.MaxRecvMsgSize(gs.MaxRecvMsgSize))
	}
	if gs.MaxSendMsgSize > 0 {
		grpcOpts = append(grpcOpts, grpc.MaxSendMsgSize(gs.MaxSendMsgSize))
	}

	if creds != nil {
		grpcOpts = append(grpcOpts, creds)
	}

	s.grpcServer = grpc.NewServer(grpcOpts...)
	shellpb.RegisterShellServer(s.grpcServer, s.shell)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("gRPC server listening", zap.String("address", lis.Addr().String()), zap.Bool("tls", creds != nil))
	s.ready.Store(true)
	err = s.grpcServer.Serve(lis)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}
	return nil
}

// AdminHandler serves metrics, health and the cached WebView list.
func (s *HostServer) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.HandleFunc("/webviews", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut:
			size, err := strconv.Atoi(r.URL.Query().Get("max_size"))
			if err != nil || size <= 0 {
				http.Error(w, "max_size must be a positive integer", http.StatusBadRequest)
				return
			}
			s.deps.Cache.Resize(size)
			s.log.Info("webview cache resized", zap.Int("max_size", size))
		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := struct {
			WebViews []string `json:"webviews"`
			Sessions int      `json:"sessions"`
			Pending  int      `json:"pending"`
		}{
			WebViews: s.deps.Cache.Keys(),
			Sessions: s.shell.SessionCount(),
			Pending:  s.deps.Wallet.Pending().Len(),
		}
		if body.WebViews == nil {
			body.WebViews = []string{}
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Debug("write webviews", zap.Error(err))
		}
	})
	return mux
}

func (s *HostServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *HostServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
	s.deps.Cache.RemoveAll()
}
