package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/types"
)

// ====== 失败注入桩 ======

type failingVectorIndex struct{}

func (failingVectorIndex) SearchByVector(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	return nil, errors.New("vector index down")
}

type failingLexicalIndex struct{}

func (failingLexicalIndex) SearchByTerms(ctx context.Context, text string, topK int) ([]ScoredChunk, error) {
	return nil, errors.New("lexical index down")
}

type failingChunkStore struct{}

func (failingChunkStore) ByCluster(ctx context.Context, clusterID string) ([]types.DocumentChunk, error) {
	return nil, errors.New("store down")
}

func (failingChunkStore) ByEntity(ctx context.Context, entity types.Entity) ([]types.DocumentChunk, error) {
	return nil, errors.New("store down")
}

func testEmbedder() llm.Embedder {
	return llm.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	})
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	idx := newTestIndex(t)
	return NewEngine(idx, idx, idx, testEmbedder(), DefaultConfig(), zap.NewNop())
}

func queryInfo(text string, entities ...types.Entity) *types.QueryInfo {
	return &types.QueryInfo{
		Original:     text,
		ExpandedText: text,
		Intent:       types.IntentExplanation,
		SubQueries:   []string{text},
		Entities:     entities,
	}
}

func TestRetrieve_FusesSignals(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Retrieve(context.Background(),
		queryInfo("capital requirements for credit risk",
			types.Entity{Type: types.EntityRegulation, Value: "Basel III"}),
		ModeChat)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)
	assert.Empty(t, result.FailedSignals)

	// 每个候选都有分块物料与至少一个贡献信号
	for _, c := range result.Candidates {
		_, ok := result.Chunks[c.ChunkID]
		assert.True(t, ok, "missing chunk for %s", c.ChunkID)
		assert.NotEmpty(t, c.Signals)
	}

	// 排名连续且从 0 开始
	for i, c := range result.Candidates {
		assert.Equal(t, i, c.Rank)
	}
}

func TestRetrieve_NotInForceNeverSurfaces(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Retrieve(context.Background(),
		queryInfo("superseded capital requirements credit risk"), ModeChat)
	require.NoError(t, err)

	for _, c := range result.Candidates {
		assert.NotEqual(t, "old-1", c.ChunkID)
		assert.True(t, result.Chunks[c.ChunkID].InForce)
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	engine := newTestEngine(t)
	info := queryInfo("own funds requirements credit risk")

	first, err := engine.Retrieve(context.Background(), info, ModeChat)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := engine.Retrieve(context.Background(), info, ModeChat)
		require.NoError(t, err)
		require.Equal(t, len(first.Candidates), len(again.Candidates))
		for j := range first.Candidates {
			assert.Equal(t, first.Candidates[j].ChunkID, again.Candidates[j].ChunkID,
				"ordering diverged at position %d on run %d", j, i)
		}
	}
}

func TestRetrieve_PartialFailureDegrades(t *testing.T) {
	idx := newTestIndex(t)
	engine := NewEngine(failingVectorIndex{}, idx, idx, testEmbedder(), DefaultConfig(), zap.NewNop())

	result, err := engine.Retrieve(context.Background(),
		queryInfo("capital requirements credit risk"), ModeChat)
	require.NoError(t, err)

	// 语义与簇扩展一起失败（共享向量索引），词法仍然工作
	assert.Contains(t, result.FailedSignals, types.SignalSemantic)
	assert.Contains(t, result.FailedSignals, types.SignalCluster)
	assert.NotEmpty(t, result.Candidates)
}

func TestRetrieve_AllSignalsFailedIsFatal(t *testing.T) {
	engine := NewEngine(failingVectorIndex{}, failingLexicalIndex{}, failingChunkStore{},
		testEmbedder(), DefaultConfig(), zap.NewNop())

	_, err := engine.Retrieve(context.Background(),
		queryInfo("anything", types.Entity{Type: types.EntityRegulation, Value: "CRR"}),
		ModeChat)
	require.Error(t, err)
	assert.Equal(t, types.ErrTotalRetrievalFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestRetrieve_EmbedderFailureOnlyKillsVectorSignals(t *testing.T) {
	idx := newTestIndex(t)
	embedder := llm.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("embedding service down")
	})
	engine := NewEngine(idx, idx, idx, embedder, DefaultConfig(), zap.NewNop())

	result, err := engine.Retrieve(context.Background(),
		queryInfo("capital requirements credit risk"), ModeChat)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Signal{types.SignalSemantic, types.SignalCluster}, result.FailedSignals)
	assert.NotEmpty(t, result.Candidates)
}

func TestRetrieve_EntitySignalOnlyRunsWithEntities(t *testing.T) {
	idx := newTestIndex(t)
	// 实体查找会失败，但没有实体时它根本不该运行
	engine := NewEngine(idx, idx, entityFailingStore{idx}, testEmbedder(), DefaultConfig(), zap.NewNop())

	result, err := engine.Retrieve(context.Background(),
		queryInfo("capital requirements credit risk"), ModeChat)
	require.NoError(t, err)
	assert.NotContains(t, result.FailedSignals, types.SignalEntity)
}

// entityFailingStore 簇查找正常、实体查找失败
type entityFailingStore struct {
	inner ChunkStore
}

func (s entityFailingStore) ByCluster(ctx context.Context, clusterID string) ([]types.DocumentChunk, error) {
	return s.inner.ByCluster(ctx, clusterID)
}

func (s entityFailingStore) ByEntity(ctx context.Context, entity types.Entity) ([]types.DocumentChunk, error) {
	return nil, errors.New("entity lookup down")
}

func TestRetrieve_EmptyCorpusIsValidEmptyResult(t *testing.T) {
	idx := NewMemoryIndex(zap.NewNop())
	engine := NewEngine(idx, idx, idx, testEmbedder(), DefaultConfig(), zap.NewNop())

	result, err := engine.Retrieve(context.Background(), queryInfo("anything at all"), ModeChat)
	require.NoError(t, err, "zero hits is not an error")
	assert.Empty(t, result.Candidates)
	assert.Empty(t, result.FailedSignals)
}

func TestRetrieve_CandidateCapRespected(t *testing.T) {
	idx := NewMemoryIndex(zap.NewNop())
	var chunks []types.DocumentChunk
	for i := 0; i < 100; i++ {
		chunks = append(chunks, types.DocumentChunk{
			ID:            chunkID(i),
			DocumentTitle: "CRR",
			Content:       "own funds requirements for credit risk institutions",
			InForce:       true,
			Embedding:     []float32{1, float32(i) / 100, 0},
		})
	}
	idx.Index(chunks)

	cfg := DefaultConfig()
	cfg.ChatCandidateCap = 10
	cfg.SignalTopK = 100
	engine := NewEngine(idx, idx, idx, testEmbedder(), cfg, zap.NewNop())

	result, err := engine.Retrieve(context.Background(), queryInfo("own funds requirements"), ModeChat)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Candidates), 10)
	assert.LessOrEqual(t, len(result.Chunks), 10)
}

func TestRetrieve_CorroboratingSignalsBreakTies(t *testing.T) {
	// 两个分块语义分相同；只有一个同时被词法命中，应排在前面
	idx := NewMemoryIndex(zap.NewNop())
	idx.Index([]types.DocumentChunk{
		{ID: "a", DocumentTitle: "Doc A", Content: "zzz unrelated words here", InForce: true, Embedding: []float32{1, 0, 0}},
		{ID: "b", DocumentTitle: "Doc B", Content: "liquidity coverage ratio requirements", InForce: true, Embedding: []float32{1, 0, 0}},
	})

	cfg := DefaultConfig()
	cfg.LexicalWeight = 0 // 词法不加分，只作平分决胜的信号计数
	engine := NewEngine(idx, idx, idx, testEmbedder(), cfg, zap.NewNop())

	result, err := engine.Retrieve(context.Background(), queryInfo("liquidity coverage ratio"), ModeChat)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Candidates), 2)
	assert.Equal(t, "b", result.Candidates[0].ChunkID,
		"more corroborating signals should outrank equal score")
}

func chunkID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26)) + "-chunk"
}
