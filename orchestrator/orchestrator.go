package orchestrator

import (
	"time"

	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/analyzer"
	"github.com/lexflow/lexflow/internal/metrics"
	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/rerank"
	"github.com/lexflow/lexflow/runcache"
	"github.com/lexflow/lexflow/types"
)

// Config 编排配置
type Config struct {
	// 触发查询分析的最小文本长度（短于此且无复杂标志的查询跳过分析）
	ComplexMinLength int `json:"complex_min_length"`
	// 子查询并发上限
	SubQueryConcurrency int `json:"sub_query_concurrency"`
	// 证据块的 token 预算
	MaxEvidenceTokens int `json:"max_evidence_tokens"`
}

// DefaultConfig 返回默认编排配置
func DefaultConfig() Config {
	return Config{
		ComplexMinLength:    80,
		SubQueryConcurrency: 3,
		MaxEvidenceTokens:   3000,
	}
}

// run 单次编排运行的全部可变状态。
// 按引用穿过管线，Completed/Failed 之后即被丢弃。
type run struct {
	id         string
	query      types.Query
	state      RunState
	cache      *runcache.Cache
	fetcher    *runcache.CachedFetcher
	info       *types.QueryInfo
	capability types.Capability
	notes      []string
	subAnswers []subAnswer
	timings    map[string]time.Duration
}

// subAnswer 单个子查询的应答产物
type subAnswer struct {
	query    string
	text     string
	evidence *types.RankedEvidence
	err      error
}

// Orchestrator 按状态机驱动问答运行
type Orchestrator struct {
	analyzer    *analyzer.Analyzer
	engine      runcache.Fetcher
	reranker    *rerank.Reranker
	generator   llm.Provider
	docgen      DocumentGenerator
	attachments AttachmentStore
	notifier    Notifier
	tokens      TokenCounter
	metrics     *metrics.Collector
	tracer      trace.Tracer
	config      Config
	logger      *zap.Logger
}

// Option 编排器可选协作方
type Option func(*Orchestrator)

// WithDocumentGenerator 注入外部文档生成协作方（报告流程）
func WithDocumentGenerator(g DocumentGenerator) Option {
	return func(o *Orchestrator) { o.docgen = g }
}

// WithAttachmentStore 注入附件解析存储（差距分析）
func WithAttachmentStore(s AttachmentStore) Option {
	return func(o *Orchestrator) { o.attachments = s }
}

// WithNotifier 注入进度通知器
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTokenCounter 注入 token 计数器（默认按字节估算）
func WithTokenCounter(t TokenCounter) Option {
	return func(o *Orchestrator) { o.tokens = t }
}

// WithMetrics 注入指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New 创建编排器。
// analyzer 可为 nil（始终走降级 QueryInfo）；engine、reranker 与
// generator 是必需协作方。
func New(qa *analyzer.Analyzer, engine runcache.Fetcher, reranker *rerank.Reranker, generator llm.Provider, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		analyzer:  qa,
		engine:    engine,
		reranker:  reranker,
		generator: generator,
		tokens:    heuristicCounter{},
		tracer:    otel.Tracer("lexflow/orchestrator"),
		config:    config,
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer 处理一次查询，返回最终答案对象。
// 这是本核心对外暴露的唯一操作。
func (o *Orchestrator) Answer(ctx context.Context, query types.Query) (*types.OrchestrationResult, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Answer")
	defer span.End()

	r := &run{
		id:      uuid.NewString(),
		query:   query,
		state:   StateReceived,
		timings: make(map[string]time.Duration),
	}
	r.cache = runcache.New(r.id, o.logger)
	r.fetcher = runcache.NewCachedFetcher(r.cache, o.engine)
	span.SetAttributes(attribute.String("run_id", r.id))

	o.logger.Info("run started",
		zap.String("run_id", r.id),
		zap.String("fingerprint", query.Fingerprint),
		zap.Int("attachments", len(query.AttachmentIDs)))

	result, err := o.drive(ctx, r)
	r.timings["total"] = time.Since(start)
	if err != nil {
		_ = r.transition(StateFailed)
		o.metrics.RecordRun(string(r.capability), "failed")
		span.RecordError(err)
		o.logger.Warn("run failed",
			zap.String("run_id", r.id),
			zap.String("state", string(r.state)),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err))
		return nil, err
	}

	o.metrics.RecordRun(string(result.Capability), "completed")
	o.metrics.RecordStage("total", r.timings["total"])
	o.logger.Info("run completed",
		zap.String("run_id", r.id),
		zap.String("capability", string(result.Capability)),
		zap.Int("evidence", len(result.Evidence.Items)),
		zap.Duration("total", r.timings["total"]))
	return result, nil
}

// drive 按 Received → Analyzing? → Routing → Answering → Synthesizing
// → Completed 推进运行
func (o *Orchestrator) drive(ctx context.Context, r *run) (*types.OrchestrationResult, error) {
	// 分析：只有复杂查询值得付出一次分析延迟
	if o.analyzer != nil && analyzer.IsComplex(r.query.Text, o.config.ComplexMinLength) {
		if err := r.transition(StateAnalyzing); err != nil {
			return nil, err
		}
		t0 := time.Now()
		actx, span := o.tracer.Start(ctx, "orchestrator.analyze")
		r.info = o.analyzer.Analyze(actx, r.query.Text, "")
		span.End()
		r.timings["analyze"] = time.Since(t0)
		o.metrics.RecordStage("analyze", r.timings["analyze"])
	} else {
		r.info = types.MinimalQueryInfo(r.query.Text)
	}

	if err := checkCanceled(ctx); err != nil {
		return nil, err
	}

	// 路由：能力在此一次性解析，封闭集合，绝不按名查找
	if err := r.transition(StateRouting); err != nil {
		return nil, err
	}
	o.route(r)

	if err := r.transition(StateAnswering); err != nil {
		return nil, err
	}
	var handle func(context.Context, *run) error
	switch r.capability {
	case types.CapabilityGapAnalysis:
		handle = o.answerGapAnalysis
	case types.CapabilityReport:
		handle = o.answerReport
	default:
		handle = o.answerCompliance
	}

	t0 := time.Now()
	actx, span := o.tracer.Start(ctx, "orchestrator.answer",
		trace.WithAttributes(attribute.String("capability", string(r.capability))))
	err := handle(actx, r)
	span.End()
	r.timings["answer"] = time.Since(t0)
	o.metrics.RecordStage("answer", r.timings["answer"])
	if err != nil {
		return nil, err
	}

	if err := checkCanceled(ctx); err != nil {
		return nil, err
	}

	if err := r.transition(StateSynthesizing); err != nil {
		return nil, err
	}
	result, err := o.synthesize(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := r.transition(StateCompleted); err != nil {
		return nil, err
	}
	return result, nil
}

// route 根据意图选定唯一主能力。
// 差距分析缺少附件时回退合规问答并留下用户可见备注——这是能力
// 错配，不是错误。
func (o *Orchestrator) route(r *run) {
	switch r.info.Intent {
	case types.IntentGapAnalysis:
		if len(r.query.AttachmentIDs) == 0 || o.attachments == nil {
			r.capability = types.CapabilityComplianceQA
			r.notes = append(r.notes,
				"Gap analysis requires an attached document; answered as a standard compliance question instead.")
		} else {
			r.capability = types.CapabilityGapAnalysis
		}
	case types.IntentReport:
		r.capability = types.CapabilityReport
	default:
		r.capability = types.CapabilityComplianceQA
	}

	o.logger.Debug("capability routed",
		zap.String("run_id", r.id),
		zap.String("intent", string(r.info.Intent)),
		zap.String("capability", string(r.capability)))
}

// notify 向外部通知器发送进度事件。只有报告流程有可观测的中间进度。
func (o *Orchestrator) notify(r *run, stage types.ProgressStage, pct float64) {
	if o.notifier == nil || r.capability != types.CapabilityReport {
		return
	}
	o.notifier.Notify(types.ProgressEvent{
		Stage:           stage,
		PercentComplete: pct,
		Timestamp:       time.Now(),
	})
}

// checkCanceled 把 ctx 取消映射为取消信号（区别于失败）
func checkCanceled(ctx context.Context) error {
	if ctx.Err() != nil {
		return types.NewError(types.ErrCanceled, "run canceled by caller").WithCause(ctx.Err())
	}
	return nil
}
