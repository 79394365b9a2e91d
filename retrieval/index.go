package retrieval

import (
	"context"

	"github.com/lexflow/lexflow/types"
)

// ScoredChunk 带原始信号分数的分块
type ScoredChunk struct {
	Chunk types.DocumentChunk `json:"chunk"`
	Score float64             `json:"score"`
}

// VectorIndex 稠密向量最近邻索引。
// 实现必须在源头过滤非现行分块。
type VectorIndex interface {
	// SearchByVector 按嵌入做最近邻检索
	SearchByVector(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error)
}

// LexicalIndex 词法（倒排索引风格）检索。
// 实现必须在源头过滤非现行分块。
type LexicalIndex interface {
	// SearchByTerms 按词项匹配检索
	SearchByTerms(ctx context.Context, text string, topK int) ([]ScoredChunk, error)
}

// ChunkStore 分块查询：簇兄弟与实体锚定查找。
// 实现必须在源头过滤非现行分块。
type ChunkStore interface {
	// ByCluster 返回同簇的所有现行分块
	ByCluster(ctx context.Context, clusterID string) ([]types.DocumentChunk, error)

	// ByEntity 返回元数据或内容匹配实体的现行分块
	ByEntity(ctx context.Context, entity types.Entity) ([]types.DocumentChunk, error)
}
