package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 嵌入缓存
// =============================================================================
// 跨运行的查询嵌入缓存：相同查询文本不重复调用嵌入服务。
// 注意这与 runcache 的运行内执行缓存是两回事——那个保证运行内
// 恰好一次执行，这个只是省钱的跨运行优化。

// EmbeddingCache 嵌入缓存接口
type EmbeddingCache interface {
	// Get 获取缓存的嵌入
	Get(ctx context.Context, key string) ([]float32, bool, error)

	// Set 写入嵌入
	Set(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// EmbeddingKey 计算规范化文本的缓存键（SHA256）
func EmbeddingKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// ====== Redis 实现 ======

// redisEmbeddingCache 基于 Redis 的嵌入缓存
type redisEmbeddingCache struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisEmbeddingCache 创建基于 Redis 的嵌入缓存
func NewRedisEmbeddingCache(client *redis.Client, prefix string, logger *zap.Logger) EmbeddingCache {
	if prefix == "" {
		prefix = "embedding:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisEmbeddingCache{
		redis:  client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

// Get 实现 EmbeddingCache.Get
func (c *redisEmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}

	c.logger.Debug("embedding cache hit", zap.String("key", key))
	return embedding, true, nil
}

// Set 实现 EmbeddingCache.Set
func (c *redisEmbeddingCache) Set(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := c.redis.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ====== 内存实现（无 Redis 时的退化路径，也用于测试）======

type memoryEmbeddingCache struct {
	entries map[string]memoryCacheEntry
	mu      sync.RWMutex
}

type memoryCacheEntry struct {
	embedding []float32
	expiresAt time.Time
}

// NewMemoryEmbeddingCache 创建进程内嵌入缓存
func NewMemoryEmbeddingCache() EmbeddingCache {
	return &memoryEmbeddingCache{
		entries: make(map[string]memoryCacheEntry),
	}
}

func (c *memoryEmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.embedding, true, nil
}

func (c *memoryEmbeddingCache) Set(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.entries[key] = memoryCacheEntry{embedding: embedding, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// ====== 缓存 Embedder 封装 ======

// CachingEmbedder 给 Embedder 加一层嵌入缓存。
// 缓存故障只降级为直接调用，绝不向上传播。
type CachingEmbedder struct {
	embedder Embedder
	cache    EmbeddingCache
	ttl      time.Duration
	logger   *zap.Logger
}

// NewCachingEmbedder 创建带缓存的 Embedder
func NewCachingEmbedder(embedder Embedder, cache EmbeddingCache, ttl time.Duration, logger *zap.Logger) *CachingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingEmbedder{
		embedder: embedder,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "caching_embedder")),
	}
}

// Embed 实现 Embedder.Embed
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := EmbeddingKey(text)

	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		e.logger.Warn("embedding cache get failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Set(ctx, key, embedding, e.ttl); err != nil {
		e.logger.Warn("embedding cache set failed", zap.Error(err))
	}

	return embedding, nil
}
