// ============================================================================
// Bucket-Bridge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露傳輸引擎運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - bridge_jobs_submitted_total{direction}
//      - bridge_jobs_started_total{direction}
//      - bridge_jobs_completed_total{direction}
//      - bridge_jobs_failed_total{direction,category}
//      - bridge_jobs_retried_total
//      - bridge_jobs_cancelled_total
//      - bridge_bytes_transferred_total{direction}
//
//   2. 性能指標 (Histogram)：
//      - bridge_job_duration_seconds{direction}: 單次嘗試耗時
//
//   3. 狀態指標 (Gauge)：
//      - bridge_jobs{state}: 各狀態任務數
//      - bridge_queue_depth: 佇列中等待的任務數
//      - bridge_throughput_bytes_per_second: 滑動視窗吞吐量
//      - bridge_recovery_time_seconds: 最近一次恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每秒傳輸位元組
//   rate(bridge_bytes_transferred_total[1m])
//
//   # 95 分位傳輸耗時
//   histogram_quantile(0.95, rate(bridge_job_duration_seconds_bucket[5m]))
//
//   # 暫時性錯誤比例
//   rate(bridge_jobs_failed_total{category="transient"}[5m])
//
// 所有方法在 nil *Collector 上都是 no-op，關閉 metrics 時不需額外判斷。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

const namespace = "bridge"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   prometheus.Counter
	jobsCancelled prometheus.Counter
	bytes         *prometheus.CounterVec

	// 效能指標
	jobDuration  *prometheus.HistogramVec
	recoveryTime prometheus.Gauge
	throughput   prometheus.Gauge

	// 狀態指標
	jobsByState *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（reg 為 nil 時不註冊）
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_submitted_total",
			Help: "Total number of transfer jobs accepted",
		}, []string{"direction"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_started_total",
			Help: "Total number of transfer attempts started by workers",
		}, []string{"direction"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Total number of transfer jobs completed successfully",
		}, []string{"direction"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Total number of failed transfer attempts by failure category",
		}, []string{"direction", "category"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Total number of jobs put back on the queue",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_cancelled_total",
			Help: "Total number of cancelled jobs",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_transferred_total",
			Help: "Total number of bytes moved",
		}, []string{"direction"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Duration of transfer attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"direction"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_time_seconds",
			Help: "Time taken to restore state on the last start",
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throughput_bytes_per_second",
			Help: "Aggregate throughput over the sliding window",
		}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs",
			Help: "Current number of jobs per state",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Current number of jobs waiting in the dispatch queue",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsSubmitted, c.jobsStarted, c.jobsCompleted, c.jobsFailed,
			c.jobsRetried, c.jobsCancelled, c.bytes, c.jobDuration,
			c.recoveryTime, c.throughput, c.jobsByState, c.queueDepth,
		)
	}
	return c
}

// NewRegistry 建立含 Go runtime 與 process 指標的 registry
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RecordSubmitted 記錄任務被接受
func (c *Collector) RecordSubmitted(dir types.Direction) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(string(dir)).Inc()
}

// RecordStarted 記錄 worker 開始一次嘗試
func (c *Collector) RecordStarted(dir types.Direction) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(string(dir)).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(dir types.Direction, seconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(string(dir)).Inc()
	c.jobDuration.WithLabelValues(string(dir)).Observe(seconds)
}

// RecordFailed 記錄一次失敗的嘗試
func (c *Collector) RecordFailed(dir types.Direction, category string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(string(dir), category).Inc()
	c.jobDuration.WithLabelValues(string(dir)).Observe(seconds)
}

// RecordRetry 記錄任務重新排隊
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.jobsRetried.Inc()
}

// RecordCancelled 記錄任務被取消
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// AddBytes 累計傳輸位元組
func (c *Collector) AddBytes(dir types.Direction, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytes.WithLabelValues(string(dir)).Add(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateStats 更新各狀態任務數、佇列深度與吞吐量
func (c *Collector) UpdateStats(stats types.Stats, queueDepth int) {
	if c == nil {
		return
	}
	c.jobsByState.WithLabelValues(string(types.StateQueued)).Set(float64(stats.Queued))
	c.jobsByState.WithLabelValues(string(types.StateInProgress)).Set(float64(stats.InProgress))
	c.jobsByState.WithLabelValues(string(types.StateCompleted)).Set(float64(stats.Completed))
	c.jobsByState.WithLabelValues(string(types.StateFailed)).Set(float64(stats.Failed))
	c.jobsByState.WithLabelValues(string(types.StateCancelled)).Set(float64(stats.Cancelled))
	c.queueDepth.Set(float64(queueDepth))
	c.throughput.Set(stats.BytesPerSecond)
}

// Handler 回傳暴露 gatherer 的 /metrics handler
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
