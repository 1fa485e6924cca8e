package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	coretypes "github.com/ethereum/go-ethereum/core/types"

	"IRIS-Chain/internal/directory"
	"IRIS-Chain/internal/router"
	"IRIS-Chain/internal/session"
	"IRIS-Chain/internal/storage/mysql"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/pkg/logger"
)

// Submitter 把请求写入入口代理合约。
type Submitter interface {
	SubmitRequest(ctx context.Context, params web3.SubmitParams) (*coretypes.Receipt, error)
}

// StatusReporter 提供健康检查所需的路由器状态。
type StatusReporter interface {
	Status(ctx context.Context) (router.Status, error)
}

// Config 控制网关行为。
type Config struct {
	Address            string
	AllowedOrigins     []string
	RateLimitPerMinute int
	RateLimitBurst     int
	EntryAgent         string
	MaxHops            uint64
	WaitInterval       time.Duration
	SessionTimeout     time.Duration
}

// Deps 汇总网关依赖的组件。Hops 与 Status 可以为空。
type Deps struct {
	Ledger    Submitter
	Directory directory.Directory
	Sessions  *session.Tracker
	Hops      mysql.HopRepository
	Status    StatusReporter
}

// Server 负责暴露 websocket 入口与 REST 查询接口。
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	boundAddr chan string
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = 5
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 500 * time.Millisecond
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewTracker()
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       logger.Named("api"),
		boundAddr: make(chan string, 1),
	}
}

// Handler 组装全部路由，ctx 结束后新的请求会被拒绝。
func (s *Server) Handler(ctx context.Context) http.Handler {
	limit := rateLimit(ctx, s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/ws", instrument("ws", limit(http.HandlerFunc(s.handleWebSocket))))
	mux.Handle("/api/v1/agents", instrument("agents", http.HandlerFunc(s.handleAgents)))
	mux.Handle("/api/v1/sessions", instrument("sessions", http.HandlerFunc(s.handleSessions)))
	mux.Handle("/api/v1/hops", instrument("hops", http.HandlerFunc(s.handleHops)))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.HandleFunc("/metrics", s.handleMetrics)
	return withContext(ctx, mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.boundAddr <- listener.Addr().String()

	server := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("网关已启动", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// BoundAddr 阻塞直到服务开始监听，返回实际地址。
func (s *Server) BoundAddr(ctx context.Context) (string, error) {
	select {
	case addr := <-s.boundAddr:
		s.boundAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
