package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 编排指标
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// 检索指标
	signalDuration  *prometheus.HistogramVec
	signalFailures  *prometheus.CounterVec
	fusedCandidates prometheus.Histogram

	// 重排指标
	rerankDuration prometheus.Histogram
	rerankFallback prometheus.Counter

	// 运行缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheWaits  *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 编排指标
	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of orchestration runs",
		},
		[]string{"capability", "status"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// 检索指标
	c.signalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_signal_duration_seconds",
			Help:      "Retrieval signal duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"signal"},
	)

	c.signalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_signal_failures_total",
			Help:      "Total number of failed retrieval signals",
		},
		[]string{"signal"},
	)

	c.fusedCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fused_candidates",
			Help:      "Number of candidates after fusion",
			Buckets:   []float64{0, 5, 10, 20, 50, 100, 150, 200},
		},
	)

	// 重排指标
	c.rerankDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerank_duration_seconds",
			Help:      "Rerank scoring duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
		},
	)

	c.rerankFallback = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallback_total",
			Help:      "Total number of reranks that fell back to fusion order",
		},
	)

	// 运行缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.cacheWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_waits_total",
			Help:      "Total number of callers that awaited an in-flight entry",
		},
		[]string{"cache_type"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"operation", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"operation", "type"}, // type: prompt, completion
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 编排指标记录
// =============================================================================

// RecordRun 记录一次编排运行
func (c *Collector) RecordRun(capability, status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(capability, status).Inc()
}

// RecordStage 记录管线阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// =============================================================================
// 🔍 检索指标记录
// =============================================================================

// RecordSignal 记录检索信号耗时与结果
func (c *Collector) RecordSignal(signal string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.signalDuration.WithLabelValues(signal).Observe(duration.Seconds())
	if failed {
		c.signalFailures.WithLabelValues(signal).Inc()
	}
}

// RecordFusion 记录融合候选数量
func (c *Collector) RecordFusion(candidates int) {
	if c == nil {
		return
	}
	c.fusedCandidates.Observe(float64(candidates))
}

// =============================================================================
// ⚖️ 重排指标记录
// =============================================================================

// RecordRerank 记录重排耗时与是否降级
func (c *Collector) RecordRerank(duration time.Duration, fellBack bool) {
	if c == nil {
		return
	}
	c.rerankDuration.Observe(duration.Seconds())
	if fellBack {
		c.rerankFallback.Inc()
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheWait 记录等待 in-flight 条目
func (c *Collector) RecordCacheWait(cacheType string) {
	if c == nil {
		return
	}
	c.cacheWaits.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(operation, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(operation, status).Inc()
	c.llmRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(operation, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(operation, "completion").Add(float64(completionTokens))
}
