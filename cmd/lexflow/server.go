package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/analyzer"
	"github.com/lexflow/lexflow/config"
	"github.com/lexflow/lexflow/internal/metrics"
	"github.com/lexflow/lexflow/internal/server"
	"github.com/lexflow/lexflow/internal/telemetry"
	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/orchestrator"
	"github.com/lexflow/lexflow/rerank"
	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// ServerPaths 是 serve 命令传入的本地路径集合
type ServerPaths struct {
	// 内存索引的 JSON 语料文件（配置了 Postgres 时忽略）
	Corpus string
	// gap 分析附件所在目录
	Attachments string
	// 报告输出目录
	Reports string
}

// Server 是 LexFlow 的主服务器
type Server struct {
	cfg    *config.Config
	paths  ServerPaths
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 流水线
	orch      *orchestrator.Orchestrator
	collector *metrics.Collector

	// 需要在关闭时释放的资源
	pgIndex     *retrieval.PgVectorIndex
	redisClient *redis.Client

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, paths ServerPaths) *Server {
	return &Server{
		cfg:    cfg,
		paths:  paths,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("lexflow", s.logger)

	// 2. 装配问答流水线
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 流水线装配
// =============================================================================

// initPipeline 按依赖顺序装配检索/重排/编排流水线
func (s *Server) initPipeline() error {
	// LLM Provider：OpenAI 兼容端点 + 限流/超时封装
	base := llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL:        s.cfg.LLM.BaseURL,
		APIKey:         s.cfg.LLM.APIKey,
		Model:          s.cfg.LLM.Model,
		EmbeddingModel: s.cfg.LLM.EmbeddingModel,
		Timeout:        s.cfg.LLM.Timeout,
	}, s.logger)

	provider := llm.NewResilientProvider(base, base, llm.ResilientConfig{
		Timeout:   s.cfg.LLM.Timeout,
		RateLimit: s.cfg.LLM.RateLimit,
		RateBurst: s.cfg.LLM.RateBurst,
	}, s.logger)

	// 嵌入缓存：配置了 Redis 用 Redis，否则进程内
	var cache llm.EmbeddingCache
	if s.cfg.Redis.Addr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		cache = llm.NewRedisEmbeddingCache(s.redisClient, "lexflow:embed:", s.logger)
		s.logger.Info("Redis embedding cache enabled", zap.String("addr", s.cfg.Redis.Addr))
	} else {
		cache = llm.NewMemoryEmbeddingCache()
		s.logger.Info("In-process embedding cache enabled")
	}
	embedder := llm.NewCachingEmbedder(provider, cache, s.cfg.Redis.TTL, s.logger)

	// 索引：配置了 Postgres 用 pgvector，否则内存索引
	var (
		vector  retrieval.VectorIndex
		lexical retrieval.LexicalIndex
		store   retrieval.ChunkStore
	)
	if s.cfg.Postgres.DSN != "" {
		pg, err := retrieval.OpenPgVectorIndex(s.cfg.Postgres.DSN, s.cfg.Postgres.Table, s.logger)
		if err != nil {
			return fmt.Errorf("open pgvector index: %w", err)
		}
		s.pgIndex = pg
		vector, lexical, store = pg, pg, pg
		s.logger.Info("pgvector index enabled", zap.String("table", s.cfg.Postgres.Table))
	} else {
		mem := retrieval.NewMemoryIndex(s.logger)
		if s.paths.Corpus != "" {
			chunks, err := loadCorpus(s.paths.Corpus)
			if err != nil {
				return fmt.Errorf("load corpus: %w", err)
			}
			mem.Index(chunks)
		} else {
			s.logger.Warn("No corpus configured, in-memory index starts empty")
		}
		vector, lexical, store = mem, mem, mem
	}

	// 融合引擎
	engine := retrieval.NewEngine(vector, lexical, store, embedder, retrieval.Config{
		SemanticWeight:     s.cfg.Fusion.SemanticWeight,
		LexicalWeight:      s.cfg.Fusion.LexicalWeight,
		ClusterBoost:       s.cfg.Fusion.ClusterBoost,
		EntityBoost:        s.cfg.Fusion.EntityBoost,
		SignalTopK:         s.cfg.Fusion.SignalTopK,
		ClusterSeedCount:   s.cfg.Fusion.ClusterSeedCount,
		ChatCandidateCap:   s.cfg.Fusion.ChatCandidateCap,
		ReportCandidateCap: s.cfg.Fusion.ReportCandidateCap,
		SignalTimeout:      s.cfg.Fusion.SignalTimeout,
	}, s.logger)

	// 查询分析器
	qa := analyzer.New(analyzer.Config{
		Timeout:       s.cfg.Analyzer.Timeout,
		MaxSubQueries: s.cfg.Analyzer.MaxSubQueries,
		UseLLM:        s.cfg.Analyzer.UseLLM,
	}, provider, s.logger)

	// 重排器：LLM 打分的交叉编码器，失败回退到融合排序
	reranker := rerank.New(rerank.NewLLMScorer(provider), rerank.Config{
		ChatTopK:       s.cfg.Rerank.ChatTopK,
		ReportTopK:     s.cfg.Rerank.ReportTopK,
		EvidenceSize:   s.cfg.Rerank.EvidenceSize,
		PerDocumentCap: s.cfg.Rerank.PerDocumentCap,
		BatchSize:      s.cfg.Rerank.BatchSize,
		Timeout:        s.cfg.Rerank.Timeout,
	}, s.logger)

	// 编排器选项
	opts := []orchestrator.Option{
		orchestrator.WithMetrics(s.collector),
	}
	if counter, err := llm.NewTiktokenCounter(s.cfg.LLM.TokenEncoding); err != nil {
		s.logger.Warn("tiktoken unavailable, falling back to heuristic token counting",
			zap.String("encoding", s.cfg.LLM.TokenEncoding),
			zap.Error(err))
	} else {
		opts = append(opts, orchestrator.WithTokenCounter(counter))
	}
	if s.paths.Attachments != "" {
		opts = append(opts, orchestrator.WithAttachmentStore(&dirAttachmentStore{dir: s.paths.Attachments}))
	}
	if s.paths.Reports != "" {
		opts = append(opts,
			orchestrator.WithDocumentGenerator(&dirDocumentGenerator{dir: s.paths.Reports, logger: s.logger}),
			orchestrator.WithNotifier(orchestrator.NotifierFunc(func(e types.ProgressEvent) {
				s.logger.Info("report progress",
					zap.String("stage", string(e.Stage)),
					zap.Float64("percent", e.PercentComplete))
			})),
		)
	}

	s.orch = orchestrator.New(qa, engine, reranker, provider, orchestrator.Config{
		ComplexMinLength:    s.cfg.Analyzer.ComplexityMinLength,
		SubQueryConcurrency: s.cfg.Analyzer.MaxSubQueries,
		MaxEvidenceTokens:   s.cfg.LLM.EvidenceTokenBudget,
	}, s.logger, opts...)

	s.logger.Info("Pipeline initialized")
	return nil
}

// loadCorpus 读取 JSON 分块语料
func loadCorpus(path string) ([]types.DocumentChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chunks []types.DocumentChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return chunks, nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/answer", s.handleAnswer)

	// 中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		RequestLogger(s.logger),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 📨 Handlers
// =============================================================================

type answerRequest struct {
	Query         string   `json:"query"`
	SessionID     string   `json:"session_id,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// handleAnswer 处理问答请求：解析 → 编排 → 返回结果
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported", false)
		return
	}

	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body", false)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "query must not be empty", false)
		return
	}

	query := types.NewQuery(req.Query, req.SessionID, req.AttachmentIDs)

	result, err := s.orch.Answer(r.Context(), query)
	if err != nil {
		s.writeOrchestrationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeOrchestrationError 把编排错误翻译成 HTTP 响应
func (s *Server) writeOrchestrationError(w http.ResponseWriter, r *http.Request, err error) {
	code := string(types.GetErrorCode(err))
	if code == "" {
		code = "INTERNAL"
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(r.Context().Err(), context.Canceled):
		// 客户端已断开，写状态仅为日志一致性
		status = http.StatusRequestTimeout
	case types.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}

	s.logger.Warn("answer failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("code", code),
		zap.Error(err))

	message := err.Error()
	var appErr *types.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeError(w, status, code, message, types.IsRetryable(err))
}

// handleHealthz Kubernetes 风格健康检查
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleVersion 版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: errorBody{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}})
}

// =============================================================================
// 📎 本地附件与报告输出
// =============================================================================

// dirAttachmentStore 从本地目录读取附件文本。
// 附件 ID 取 Base 防止路径穿越。
type dirAttachmentStore struct {
	dir string
}

func (s *dirAttachmentStore) Resolve(ctx context.Context, attachmentID string) (string, error) {
	name := filepath.Base(attachmentID)
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("read attachment %s: %w", name, err)
	}
	return string(data), nil
}

// dirDocumentGenerator 把报告写入本地目录
type dirDocumentGenerator struct {
	dir    string
	logger *zap.Logger
}

func (g *dirDocumentGenerator) Generate(ctx context.Context, analysisText string, evidence *types.RankedEvidence) error {
	name := fmt.Sprintf("report-%d.md", time.Now().UnixNano())
	path := filepath.Join(g.dir, name)

	var sb strings.Builder
	sb.WriteString(analysisText)
	sb.WriteString("\n\n## Sources\n\n")
	for i, item := range evidence.Items {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, item.Chunk.DocumentTitle, item.Chunk.ID)
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	g.logger.Info("report written", zap.String("path", path))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 释放存储连接
	if s.pgIndex != nil {
		if err := s.pgIndex.Close(); err != nil {
			s.logger.Error("pgvector close error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}

	// 5. 刷出遥测数据
	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	// 6. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
