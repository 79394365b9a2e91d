// =============================================================================
// 📦 LexFlow 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LEXFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// Config LexFlow 完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Server 服务入口配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// LLM 语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Analyzer 查询分析器配置
	Analyzer AnalyzerConfig `yaml:"analyzer" env:"ANALYZER"`

	// Fusion 检索融合配置
	Fusion FusionConfig `yaml:"fusion" env:"FUSION"`

	// Rerank 重排配置
	Rerank RerankConfig `yaml:"rerank" env:"RERANK"`

	// Redis 嵌入缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Postgres pgvector 索引配置
	Postgres PostgresConfig `yaml:"postgres" env:"POSTGRES"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// ServerConfig 服务入口配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写超时。报告问答可能跑满整条流水线，需要放宽。
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每 IP 每秒请求数限制
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LLMConfig 语言模型配置
type LLMConfig struct {
	// OpenAI 兼容 API 地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API 密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 生成模型名
	Model string `yaml:"model" env:"MODEL"`
	// 嵌入模型名
	EmbeddingModel string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	// 每次模型调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒请求数限制（0 表示不限流）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 限流突发容量
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// 生成答案的证据 token 预算
	EvidenceTokenBudget int `yaml:"evidence_token_budget" env:"EVIDENCE_TOKEN_BUDGET"`
	// tiktoken 编码名称
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// AnalyzerConfig 查询分析器配置
type AnalyzerConfig struct {
	// 分析调用超时（超时降级而非失败）
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大子查询数
	MaxSubQueries int `yaml:"max_sub_queries" env:"MAX_SUB_QUERIES"`
	// 复杂度启发式：超过该长度才进入分析
	ComplexityMinLength int `yaml:"complexity_min_length" env:"COMPLEXITY_MIN_LENGTH"`
	// 是否使用 LLM（false 时仅用规则路径）
	UseLLM bool `yaml:"use_llm" env:"USE_LLM"`
}

// FusionConfig 检索融合配置。
// 权重与候选上限是运营调优参数，不是算法常量，故全部外置。
type FusionConfig struct {
	// 语义信号权重（主相关性，权重最高）
	SemanticWeight float64 `yaml:"semantic_weight" env:"SEMANTIC_WEIGHT"`
	// 词法信号权重
	LexicalWeight float64 `yaml:"lexical_weight" env:"LEXICAL_WEIGHT"`
	// 簇扩展加成项（召回扩展，叠加而非平均）
	ClusterBoost float64 `yaml:"cluster_boost" env:"CLUSTER_BOOST"`
	// 实体锚定加成项
	EntityBoost float64 `yaml:"entity_boost" env:"ENTITY_BOOST"`
	// 每信号 top-K
	SignalTopK int `yaml:"signal_top_k" env:"SIGNAL_TOP_K"`
	// 簇扩展取前多少个语义命中
	ClusterSeedCount int `yaml:"cluster_seed_count" env:"CLUSTER_SEED_COUNT"`
	// 会话答案的候选上限
	ChatCandidateCap int `yaml:"chat_candidate_cap" env:"CHAT_CANDIDATE_CAP"`
	// 报告生成的候选上限（调高以换取召回）
	ReportCandidateCap int `yaml:"report_candidate_cap" env:"REPORT_CANDIDATE_CAP"`
	// 每信号超时
	SignalTimeout time.Duration `yaml:"signal_timeout" env:"SIGNAL_TIMEOUT"`
}

// RerankConfig 重排配置
type RerankConfig struct {
	// 会话答案的重排 top-K
	ChatTopK int `yaml:"chat_top_k" env:"CHAT_TOP_K"`
	// 报告生成的重排 top-K
	ReportTopK int `yaml:"report_top_k" env:"REPORT_TOP_K"`
	// 目标证据集大小
	EvidenceSize int `yaml:"evidence_size" env:"EVIDENCE_SIZE"`
	// 同一来源文档在证据集中的最大分块数（多样性约束）
	PerDocumentCap int `yaml:"per_document_cap" env:"PER_DOCUMENT_CAP"`
	// 打分批大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 重排时间预算（超时回退到融合排序）
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig 嵌入缓存的 Redis 配置
type RedisConfig struct {
	// 地址；为空时退化为进程内缓存
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 缓存 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// PostgresConfig pgvector 索引配置
type PostgresConfig struct {
	// DSN；为空时使用内存向量索引
	DSN string `yaml:"dsn" env:"DSN"`
	// 表名
	Table string `yaml:"table" env:"TABLE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用（禁用时全部为 noop）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务名
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 采样率 0-1
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		LLM: LLMConfig{
			BaseURL:             "https://api.openai.com/v1",
			Model:               "gpt-4o-mini",
			EmbeddingModel:      "text-embedding-3-small",
			Timeout:             30 * time.Second,
			RateLimit:           10,
			RateBurst:           20,
			EvidenceTokenBudget: 6000,
			TokenEncoding:       "cl100k_base",
		},
		Analyzer: AnalyzerConfig{
			Timeout:             8 * time.Second,
			MaxSubQueries:       4,
			ComplexityMinLength: 80,
			UseLLM:              true,
		},
		Fusion: FusionConfig{
			SemanticWeight:     1.0,
			LexicalWeight:      0.7,
			ClusterBoost:       0.15,
			EntityBoost:        0.2,
			SignalTopK:         30,
			ClusterSeedCount:   5,
			ChatCandidateCap:   50,
			ReportCandidateCap: 150,
			SignalTimeout:      5 * time.Second,
		},
		Rerank: RerankConfig{
			ChatTopK:       20,
			ReportTopK:     60,
			EvidenceSize:   8,
			PerDocumentCap: 3,
			BatchSize:      8,
			Timeout:        10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "",
			TTL:  6 * time.Hour,
		},
		Postgres: PostgresConfig{
			Table: "regulation_chunks",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "lexflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   0.1,
		},
	}
}

// Validate 配置校验
func (c *Config) Validate() error {
	if c.Fusion.SemanticWeight <= 0 {
		return fmt.Errorf("fusion.semantic_weight must be positive, got %v", c.Fusion.SemanticWeight)
	}
	if c.Fusion.LexicalWeight < 0 || c.Fusion.ClusterBoost < 0 || c.Fusion.EntityBoost < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if c.Fusion.ChatCandidateCap <= 0 || c.Fusion.ReportCandidateCap <= 0 {
		return fmt.Errorf("fusion candidate caps must be positive")
	}
	if c.Rerank.EvidenceSize <= 0 {
		return fmt.Errorf("rerank.evidence_size must be positive, got %d", c.Rerank.EvidenceSize)
	}
	if c.Rerank.PerDocumentCap <= 0 {
		return fmt.Errorf("rerank.per_document_cap must be positive, got %d", c.Rerank.PerDocumentCap)
	}
	if c.Rerank.BatchSize <= 0 {
		return fmt.Errorf("rerank.batch_size must be positive, got %d", c.Rerank.BatchSize)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}
