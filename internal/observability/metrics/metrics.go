package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chimera"

// Metrics 汇总服务暴露的全部 Prometheus 指标。nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	policyRejections *prometheus.CounterVec
	executions       *prometheus.CounterVec
	gasUsed          *prometheus.HistogramVec
	balance          prometheus.Gauge

	auditAttempts *prometheus.CounterVec
	auditScores   prometheus.Histogram
	jobs          *prometheus.CounterVec
	queueWait     prometheus.Histogram
	payments      *prometheus.CounterVec
}

// New 创建使用独立 Registry 的指标集合。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		policyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_rejections_total",
			Help: "Policy violations by rule.",
		}, []string{"rule"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intent_executions_total",
			Help: "Intent executions by type and outcome.",
		}, []string{"type", "outcome"}),
		gasUsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "intent_gas_used",
			Help:    "Gas used by confirmed intent transactions.",
			Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
		}, []string{"type"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "facilitator_balance_ether",
			Help: "Last observed facilitator balance in ether.",
		}),
		auditAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_attempts_total",
			Help: "Audit loop attempts by result.",
		}, []string{"result"}),
		auditScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "audit_score",
			Help:    "Scores returned by the auditor.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "generation_jobs_total",
			Help: "Generation jobs by terminal status.",
		}, []string{"status"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_job_queue_wait_seconds",
			Help:    "Time a generation job spent queued before a worker picked it up.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payment_gate_total",
			Help: "x402 payment gate decisions.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.policyRejections, m.executions, m.gasUsed, m.balance,
		m.auditAttempts, m.auditScores, m.jobs, m.queueWait, m.payments,
	)
	return m
}

// Registry 返回底层 Registry，便于测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePolicyRejection 按规则累计违规次数。
func (m *Metrics) ObservePolicyRejection(rules ...string) {
	if m == nil {
		return
	}
	for _, rule := range rules {
		m.policyRejections.WithLabelValues(rule).Inc()
	}
}

// ObserveExecution 记录一次执行结果，gasUsed 为 0 时不计入直方图。
func (m *Metrics) ObserveExecution(intentType, outcome string, gasUsed uint64) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(intentType, outcome).Inc()
	if gasUsed > 0 {
		m.gasUsed.WithLabelValues(intentType).Observe(float64(gasUsed))
	}
}

// SetBalance 记录代付账户余额（wei）。
func (m *Metrics) SetBalance(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	ether, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	m.balance.Set(ether)
}

// ObserveAudit 记录一次审计尝试。
func (m *Metrics) ObserveAudit(result string, score float64) {
	if m == nil {
		return
	}
	m.auditAttempts.WithLabelValues(result).Inc()
	if result != "error" {
		m.auditScores.Observe(score)
	}
}

// ObserveJob 记录任务终态。
func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

// ObserveQueueWait 记录任务从入队到被领取的等待时间。
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

// ObservePayment 记录付费网关的判定。
func (m *Metrics) ObservePayment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
