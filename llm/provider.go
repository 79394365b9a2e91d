package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider 文本补全提供者
type Provider interface {
	// Complete 生成给定提示词的补全
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder 嵌入提供者
type Embedder interface {
	// Embed 计算文本的稠密向量表示
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ResilientConfig 弹性封装配置
type ResilientConfig struct {
	// 每次调用超时
	Timeout time.Duration `json:"timeout"`
	// 每秒请求数（0 表示不限流）
	RateLimit float64 `json:"rate_limit"`
	// 限流突发容量
	RateBurst int `json:"rate_burst"`
}

// DefaultResilientConfig 返回默认弹性配置
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:   30 * time.Second,
		RateLimit: 10,
		RateBurst: 20,
	}
}

// ResilientProvider 给底层 Provider/Embedder 加上限流与超时。
// 所有对模型服务的阻塞调用都必须经过这里，保证每操作显式超时。
type ResilientProvider struct {
	provider Provider
	embedder Embedder
	config   ResilientConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewResilientProvider 创建弹性封装
func NewResilientProvider(provider Provider, embedder Embedder, config ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}

	return &ResilientProvider{
		provider: provider,
		embedder: embedder,
		config:   config,
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "llm_provider")),
	}
}

// Complete 实现 Provider.Complete
func (p *ResilientProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.provider == nil {
		return "", fmt.Errorf("no completion provider configured")
	}
	if err := p.wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	out, err := p.provider.Complete(ctx, prompt)
	if err != nil {
		p.logger.Warn("completion failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}
	return out, nil
}

// Embed 实现 Embedder.Embed
func (p *ResilientProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	return p.embedder.Embed(ctx, text)
}

func (p *ResilientProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// ProviderFunc 函数式 Provider 适配器
type ProviderFunc func(ctx context.Context, prompt string) (string, error)

func (f ProviderFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// EmbedderFunc 函数式 Embedder 适配器
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
