// Package runcache 提供运行级幂等缓存：同一编排运行内，
// 按 (run ID, 查询指纹, 操作名) 为键的昂贵操作恰好执行一次，
// 并发调用方共享首个执行者的结果——成功与失败一视同仁。
//
// 缓存随运行结束丢弃，不做跨查询/跨会话复用。
package runcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lexflow/lexflow/types"
)

// entryKey 缓存键。run ID 由 Cache 本身承载，键内只需指纹与操作名。
type entryKey struct {
	Fingerprint string
	Operation   string
}

// entry 单个缓存条目。done 关闭前处于 in-flight 状态，
// 关闭后 result/err 不再变化。
type entry struct {
	done   chan struct{}
	result any
	err    error
}

// Stats 缓存计数，用于观测与测试断言
type Stats struct {
	Executions int64 // 实际执行次数
	Hits       int64 // 命中已解析条目
	Waits      int64 // 等待 in-flight 条目
}

// Cache 运行级执行缓存
type Cache struct {
	runID   string
	mu      sync.Mutex
	entries map[entryKey]*entry
	stats   Stats
	logger  *zap.Logger
}

// New 创建绑定到一次编排运行的缓存
func New(runID string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		runID:   runID,
		entries: make(map[entryKey]*entry),
		logger: logger.With(
			zap.String("component", "runcache"),
			zap.String("run_id", runID),
		),
	}
}

// RunID 返回缓存绑定的运行标识
func (c *Cache) RunID() string {
	return c.runID
}

// Do 以 (fingerprint, operation) 为键执行 fn。
//
// 首个调用方在临界区外执行 fn；后续同键调用方阻塞等待首个执行
// 解析，之后拿到完全相同的结果或错误。失败同样被缓存——本次运行
// 内不自动重试，重试策略归调用方。
//
// 等待方自身的 ctx 被取消时返回取消错误，不影响执行方；
// 执行方的 ctx 被取消时，取消结果按失败路径缓存并广播，
// 确保没有调用方无限期等待。
func (c *Cache) Do(ctx context.Context, fingerprint, operation string, fn func(context.Context) (any, error)) (any, error) {
	key := entryKey{Fingerprint: fingerprint, Operation: operation}

	c.mu.Lock()
	if e, exists := c.entries[key]; exists {
		select {
		case <-e.done:
			c.stats.Hits++
			c.mu.Unlock()
			c.logger.Debug("cache hit",
				zap.String("operation", operation),
				zap.Bool("cached_failure", e.err != nil))
			return e.result, e.err
		default:
			c.stats.Waits++
		}
		c.mu.Unlock()
		return c.await(ctx, e, operation)
	}

	e := &entry{done: make(chan struct{})}
	c.entries[key] = e
	c.stats.Executions++
	c.mu.Unlock()

	// 临界区外执行；fn 返回即解析条目并广播
	result, err := fn(ctx)
	if err != nil && ctx.Err() != nil && types.GetErrorCode(err) == "" {
		err = types.NewError(types.ErrCanceled, "operation canceled mid-flight").WithCause(err)
	}

	e.result = result
	e.err = err
	close(e.done)

	if err != nil {
		c.logger.Debug("cached failed execution",
			zap.String("operation", operation),
			zap.Error(err))
	}
	return result, err
}

// await 等待 in-flight 条目解析。
func (c *Cache) await(ctx context.Context, e *entry, operation string) (any, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		// 只有等待方自己退出；执行方与其他等待方不受影响
		c.logger.Debug("waiter canceled",
			zap.String("operation", operation))
		return nil, types.NewError(types.ErrCanceled, "caller canceled while awaiting cached operation").WithCause(ctx.Err())
	}
}

// Stats 返回当前计数快照
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len 返回条目数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
