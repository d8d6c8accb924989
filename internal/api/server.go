package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chimera/internal/auditloop"
	"chimera/internal/auth"
	"chimera/internal/facilitator"
	"chimera/internal/intent"
	"chimera/internal/observability/metrics"
	"chimera/internal/payment"
	"chimera/internal/policy"
	"chimera/internal/signature"
	"chimera/internal/task"
	"chimera/pkg/logger"
)

// Facilitator 是 HTTP 层使用的执行能力。
type Facilitator interface {
	ExecuteUserIntent(ctx context.Context, req facilitator.Request) (facilitator.Result, error)
	EstimateGas(ctx context.Context, in intent.Intent) (facilitator.Estimate, error)
	GetBalance(ctx context.Context) (facilitator.Balance, error)
	GetPolicy() policy.View
	Domain() signature.Domain
	GetRemainingSpend(ctx context.Context, user string) (policy.RemainingSpend, error)
	GetRemainingTx(ctx context.Context, user string) (policy.RemainingTx, error)
}

// Generator 产出生成与审计的进度事件。
type Generator interface {
	GenerateWithAudit(ctx context.Context, prompt string, maxRetries int) iter.Seq[auditloop.Event]
}

// Dependencies 汇总各路由依赖的服务，为空的服务对应的路由返回 503。
type Dependencies struct {
	Facilitator Facilitator
	Generator   Generator
	Jobs        *task.Service
	Payments    *payment.Gate
	Metrics     *metrics.Metrics
	// Auth 保护运维接口，为 nil 时不做认证。
	Auth *auth.Service
	// MaxAuditRetries 是同步生成允许的最大轮数。
	MaxAuditRetries int
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	deps     Dependencies
	shutdown time.Duration
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	if deps.MaxAuditRetries <= 0 {
		deps.MaxAuditRetries = auditloop.DefaultMaxRetries
	}
	s := &Server{addr: addr, deps: deps, shutdown: 10 * time.Second, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 构建路由。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, middleware.Recoverer, observe(s.deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if s.deps.Payments != nil {
			api.Use(s.deps.Payments.Middleware)
		}
		api.Post("/intents", s.handleExecuteIntent)
		api.Post("/intents/estimate", s.handleEstimate)
		api.Get("/facilitator/balance", s.handleBalance)
		api.Get("/facilitator/domain", s.handleDomain)
		api.Get("/policy", s.handlePolicy)
		api.Get("/users/{address}/quota", s.handleQuota)

		api.Post("/generate", s.handleGenerate)
		api.Post("/jobs", s.handleSubmitJob)
		operator := api.With(s.deps.Auth.Require(writeError, auth.PermissionJobsRead))
		operator.Get("/jobs", s.handleListJobs)
		operator.Get("/jobs/stats", s.handleJobStats)
		api.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
