package runcache

import (
	"context"
	"fmt"

	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// Fetcher 被缓存包装的检索操作
type Fetcher interface {
	Retrieve(ctx context.Context, info *types.QueryInfo, mode retrieval.Mode) (*retrieval.Result, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, info *types.QueryInfo, mode retrieval.Mode) (*retrieval.Result, error)

// Retrieve 实现 Fetcher
func (f FetcherFunc) Retrieve(ctx context.Context, info *types.QueryInfo, mode retrieval.Mode) (*retrieval.Result, error) {
	return f(ctx, info, mode)
}

// CachedFetcher 把融合检索包进运行级缓存：同一运行内相同指纹
// 的检索只真正触发一次，子查询扇出或报告流程的重复请求直接复用。
type CachedFetcher struct {
	cache   *Cache
	fetcher Fetcher
}

// NewCachedFetcher 创建带缓存的检索包装
func NewCachedFetcher(cache *Cache, fetcher Fetcher) *CachedFetcher {
	return &CachedFetcher{cache: cache, fetcher: fetcher}
}

// Retrieve 按 (指纹, 检索模式+子查询文本) 缓存一次检索。
// 同一查询在 chat 与 report 模式下是不同操作，分开缓存。
func (c *CachedFetcher) Retrieve(ctx context.Context, fingerprint string, info *types.QueryInfo, mode retrieval.Mode) (*retrieval.Result, error) {
	op := fmt.Sprintf("retrieve:%s:%s", mode, info.RetrievalText())

	v, err := c.cache.Do(ctx, fingerprint, op, func(ctx context.Context) (any, error) {
		return c.fetcher.Retrieve(ctx, info, mode)
	})
	if err != nil {
		return nil, err
	}
	result, ok := v.(*retrieval.Result)
	if !ok {
		return nil, fmt.Errorf("unexpected cached value type %T for operation %s", v, op)
	}
	return result, nil
}
