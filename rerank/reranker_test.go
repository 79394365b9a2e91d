package rerank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// mockCrossEncoder 按文档内容关键词打分
type mockCrossEncoder struct {
	fail      bool
	delay     time.Duration
	callCount atomic.Int32
}

func (m *mockCrossEncoder) Score(ctx context.Context, pairs []QueryDocPair) ([]float64, error) {
	m.callCount.Add(1)
	if m.fail {
		return nil, errors.New("scoring model unavailable")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	scores := make([]float64, len(pairs))
	for i, pair := range pairs {
		if strings.Contains(pair.Document, "relevant") {
			scores[i] = 0.9
		} else {
			scores[i] = 0.2
		}
	}
	return scores, nil
}

func fusedResult(n int, docTitle func(i int) string, content func(i int) string) *retrieval.Result {
	result := &retrieval.Result{Chunks: make(map[string]types.DocumentChunk)}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("chunk-%02d", i)
		result.Candidates = append(result.Candidates, types.FusedCandidate{
			ChunkID: id,
			Score:   float64(n-i) / float64(n),
			Signals: []types.Signal{types.SignalSemantic},
			Rank:    i,
		})
		result.Chunks[id] = types.DocumentChunk{
			ID:            id,
			DocumentTitle: docTitle(i),
			Content:       content(i),
			InForce:       true,
		}
	}
	return result
}

func info(text string) *types.QueryInfo {
	return &types.QueryInfo{Original: text, ExpandedText: text, SubQueries: []string{text}}
}

func TestRerank_ScoresAndReorders(t *testing.T) {
	// 后面的候选内容更相关，重排后应升到前面
	fused := fusedResult(6,
		func(i int) string { return fmt.Sprintf("Doc %d", i) },
		func(i int) string {
			if i >= 3 {
				return "highly relevant provision text"
			}
			return "boilerplate text"
		})

	r := New(&mockCrossEncoder{}, DefaultConfig(), zap.NewNop())
	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)

	require.NotEmpty(t, evidence.Items)
	assert.False(t, evidence.Unreranked)
	assert.Contains(t, evidence.Items[0].Chunk.Content, "relevant")

	for _, item := range evidence.Items {
		assert.GreaterOrEqual(t, item.Score, 0.0)
		assert.LessOrEqual(t, item.Score, 1.0)
	}
}

func TestRerank_ProviderFailureFallsBackToFusionOrder(t *testing.T) {
	fused := fusedResult(5,
		func(i int) string { return fmt.Sprintf("Doc %d", i) },
		func(i int) string { return "text" })

	r := New(&mockCrossEncoder{fail: true}, DefaultConfig(), zap.NewNop())
	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)

	require.NotEmpty(t, evidence.Items)
	assert.True(t, evidence.Unreranked, "fallback must be flagged")
	// 融合排序保留
	assert.Equal(t, "chunk-00", evidence.Items[0].Chunk.ID)
	// 分数仍在 [0,1]
	for _, item := range evidence.Items {
		assert.GreaterOrEqual(t, item.Score, 0.0)
		assert.LessOrEqual(t, item.Score, 1.0)
	}
}

func TestRerank_TimeoutFallsBack(t *testing.T) {
	fused := fusedResult(3,
		func(i int) string { return "Doc" },
		func(i int) string { return "text" })

	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	r := New(&mockCrossEncoder{delay: time.Second}, cfg, zap.NewNop())

	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)
	assert.True(t, evidence.Unreranked)
	assert.NotEmpty(t, evidence.Items)
}

func TestRerank_NilProviderFallsBack(t *testing.T) {
	fused := fusedResult(3,
		func(i int) string { return fmt.Sprintf("Doc %d", i) },
		func(i int) string { return "text" })

	r := New(nil, DefaultConfig(), zap.NewNop())
	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)
	assert.True(t, evidence.Unreranked)
	assert.Len(t, evidence.Items, 3)
}

func TestRerank_DiversityCap(t *testing.T) {
	// 全部 12 个候选来自同一文档，上限 3
	fused := fusedResult(12,
		func(i int) string { return "Single Document" },
		func(i int) string { return "relevant text" })

	cfg := DefaultConfig()
	cfg.PerDocumentCap = 3
	cfg.EvidenceSize = 8
	r := New(&mockCrossEncoder{}, cfg, zap.NewNop())

	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)
	assert.Len(t, evidence.Items, 3, "per-document cap must bound evidence")
}

func TestRerank_DiversityAllowsMultipleDocuments(t *testing.T) {
	fused := fusedResult(12,
		func(i int) string { return fmt.Sprintf("Doc %d", i%4) },
		func(i int) string { return "relevant text" })

	cfg := DefaultConfig()
	cfg.PerDocumentCap = 2
	cfg.EvidenceSize = 8
	r := New(&mockCrossEncoder{}, cfg, zap.NewNop())

	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)
	assert.Len(t, evidence.Items, 8)

	perDoc := make(map[string]int)
	for _, item := range evidence.Items {
		perDoc[item.Chunk.DocumentTitle]++
	}
	for doc, count := range perDoc {
		assert.LessOrEqual(t, count, 2, "doc %s exceeds cap", doc)
	}
}

func TestRerank_TopKLimitsScoringDepth(t *testing.T) {
	fused := fusedResult(30,
		func(i int) string { return fmt.Sprintf("Doc %d", i) },
		func(i int) string { return "text" })

	cfg := DefaultConfig()
	cfg.ChatTopK = 10
	cfg.BatchSize = 5
	encoder := &mockCrossEncoder{}
	r := New(encoder, cfg, zap.NewNop())

	r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)
	// 10 候选 / 批 5 = 2 次打分调用
	assert.Equal(t, int32(2), encoder.callCount.Load())
}

func TestRerank_ReportModeScoresDeeper(t *testing.T) {
	fused := fusedResult(30,
		func(i int) string { return fmt.Sprintf("Doc %d", i) },
		func(i int) string { return "text" })

	cfg := DefaultConfig()
	cfg.ChatTopK = 10
	cfg.ReportTopK = 30
	cfg.BatchSize = 10
	encoder := &mockCrossEncoder{}
	r := New(encoder, cfg, zap.NewNop())

	r.Rerank(context.Background(), info("query"), fused, retrieval.ModeReport)
	assert.Equal(t, int32(3), encoder.callCount.Load())
}

func TestRerank_EmptyCandidates(t *testing.T) {
	fused := &retrieval.Result{
		Chunks:        map[string]types.DocumentChunk{},
		FailedSignals: []types.Signal{types.SignalLexical},
	}

	r := New(&mockCrossEncoder{}, DefaultConfig(), zap.NewNop())
	evidence := r.Rerank(context.Background(), info("query"), fused, retrieval.ModeChat)

	assert.Empty(t, evidence.Items)
	assert.Equal(t, []types.Signal{types.SignalLexical}, evidence.FailedSignals)
}
