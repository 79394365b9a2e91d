package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lexflow/lexflow/types"
)

// ====== 内存索引（测试与小规模语料）======

// MemoryIndex 在一份分块切片上同时实现 VectorIndex、LexicalIndex
// 与 ChunkStore。词法检索用 BM25。
type MemoryIndex struct {
	chunks []types.DocumentChunk

	// BM25 统计
	avgDocLen float64
	docLens   []int
	idf       map[string]float64

	// BM25 参数
	k1 float64
	b  float64

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMemoryIndex 创建内存索引
func NewMemoryIndex(logger *zap.Logger) *MemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		idf:    make(map[string]float64),
		k1:     1.5,
		b:      0.75,
		logger: logger.With(zap.String("component", "memory_index")),
	}
}

// Index 索引一批分块并重算 BM25 统计
func (idx *MemoryIndex) Index(chunks []types.DocumentChunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.chunks = append(idx.chunks, chunks...)
	idx.computeBM25Stats()

	idx.logger.Info("chunks indexed",
		zap.Int("count", len(chunks)),
		zap.Int("total", len(idx.chunks)))
}

// computeBM25Stats 计算 IDF 与平均文档长度。调用方持有写锁。
func (idx *MemoryIndex) computeBM25Stats() {
	totalLen := 0
	idx.docLens = make([]int, len(idx.chunks))
	termDocCount := make(map[string]int)

	for i, chunk := range idx.chunks {
		terms := tokenize(chunk.Content)
		idx.docLens[i] = len(terms)
		totalLen += len(terms)

		seen := make(map[string]bool)
		for _, term := range terms {
			if !seen[term] {
				termDocCount[term]++
				seen[term] = true
			}
		}
	}

	if len(idx.chunks) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(idx.chunks))
	}

	n := float64(len(idx.chunks))
	idx.idf = make(map[string]float64, len(termDocCount))
	for term, df := range termDocCount {
		idx.idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}
}

// SearchByVector 余弦相似度最近邻。非现行分块在扫描处跳过。
func (idx *MemoryIndex) SearchByVector(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]ScoredChunk, 0, len(idx.chunks))
	for _, chunk := range idx.chunks {
		if !chunk.InForce || chunk.Embedding == nil {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(embedding, chunk.Embedding),
		})
	}

	sortScored(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// SearchByTerms BM25 词法检索。非现行分块在扫描处跳过。
func (idx *MemoryIndex) SearchByTerms(ctx context.Context, text string, topK int) ([]ScoredChunk, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTerms := tokenize(text)
	results := make([]ScoredChunk, 0, len(idx.chunks))

	for i, chunk := range idx.chunks {
		if !chunk.InForce {
			continue
		}

		termFreq := make(map[string]int)
		for _, term := range tokenize(chunk.Content) {
			termFreq[term]++
		}

		score := 0.0
		docLen := float64(idx.docLens[i])
		for _, qTerm := range queryTerms {
			tf, ok := termFreq[qTerm]
			if !ok {
				continue
			}
			idf := idx.idf[qTerm]
			numerator := float64(tf) * (idx.k1 + 1.0)
			denominator := float64(tf) + idx.k1*(1.0-idx.b+idx.b*(docLen/idx.avgDocLen))
			score += idf * (numerator / denominator)
		}

		if score > 0 {
			results = append(results, ScoredChunk{Chunk: chunk, Score: score})
		}
	}

	sortScored(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ByCluster 返回同簇的现行分块
func (idx *MemoryIndex) ByCluster(ctx context.Context, clusterID string) ([]types.DocumentChunk, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if clusterID == "" {
		return nil, nil
	}

	var siblings []types.DocumentChunk
	for _, chunk := range idx.chunks {
		if chunk.InForce && chunk.ClusterID == clusterID {
			siblings = append(siblings, chunk)
		}
	}
	return siblings, nil
}

// ByEntity 返回元数据或内容匹配实体的现行分块
func (idx *MemoryIndex) ByEntity(ctx context.Context, entity types.Entity) ([]types.DocumentChunk, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	needle := strings.ToLower(entity.Value)
	var matches []types.DocumentChunk
	for _, chunk := range idx.chunks {
		if !chunk.InForce {
			continue
		}
		if strings.Contains(strings.ToLower(chunk.DocumentTitle), needle) ||
			strings.Contains(strings.ToLower(chunk.Content), needle) {
			matches = append(matches, chunk)
			continue
		}
		for _, v := range chunk.Metadata {
			if strings.Contains(strings.ToLower(v), needle) {
				matches = append(matches, chunk)
				break
			}
		}
	}
	return matches, nil
}

// sortScored 按分数降序、分块 ID 升序稳定排序
func sortScored(results []ScoredChunk) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

// tokenize 简化分词：小写 + 空白切分，去掉常见标点
func tokenize(text string) []string {
	text = strings.ToLower(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', '.', ';', ':', '?', '!', '(', ')', '"':
			return true
		}
		return false
	})
	return fields
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
