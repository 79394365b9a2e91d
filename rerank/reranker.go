// Package rerank 对融合候选做第二遍高精度相关性打分（交叉注意力式），
// 应用来源文档多样性约束，产出最终证据集。
//
// 打分模型不可用或超出时间预算时回退到融合阶段排序并打
// unreranked 标记——静默质量降级，永不硬失败。
package rerank

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// QueryDocPair 查询-文档对
type QueryDocPair struct {
	Query    string
	Document string
}

// CrossEncoderProvider 交叉注意力打分提供者。
// 返回与 pairs 等长的相关性分数切片。
type CrossEncoderProvider interface {
	Score(ctx context.Context, pairs []QueryDocPair) ([]float64, error)
}

// Config 重排配置
type Config struct {
	// 会话模式重排 top-K
	ChatTopK int `json:"chat_top_k"`
	// 报告模式重排 top-K
	ReportTopK int `json:"report_top_k"`
	// 目标证据集大小
	EvidenceSize int `json:"evidence_size"`
	// 同一来源文档的最大分块数
	PerDocumentCap int `json:"per_document_cap"`
	// 打分批大小
	BatchSize int `json:"batch_size"`
	// 重排时间预算
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig 返回默认重排配置
func DefaultConfig() Config {
	return Config{
		ChatTopK:       20,
		ReportTopK:     60,
		EvidenceSize:   8,
		PerDocumentCap: 3,
		BatchSize:      8,
		Timeout:        10 * time.Second,
	}
}

// Reranker 重排序器
type Reranker struct {
	provider CrossEncoderProvider
	config   Config
	logger   *zap.Logger
}

// New 创建重排序器
func New(provider CrossEncoderProvider, config Config, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		provider: provider,
		config:   config,
		logger:   logger.With(zap.String("component", "reranker")),
	}
}

// Rerank 产出 RankedEvidence。永不返回错误：失败路径是降级，不是失败。
func (r *Reranker) Rerank(ctx context.Context, info *types.QueryInfo, fused *retrieval.Result, mode retrieval.Mode) *types.RankedEvidence {
	topK := r.config.ChatTopK
	if mode == retrieval.ModeReport {
		topK = r.config.ReportTopK
	}

	candidates := fused.Candidates
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	if len(candidates) == 0 {
		return &types.RankedEvidence{FailedSignals: fused.FailedSignals}
	}

	scored, ok := r.score(ctx, info.Original, candidates, fused.Chunks)
	if !ok {
		// 回退：保留融合阶段排序，分数重新归一化到 [0,1]
		scored = fallbackScores(candidates)
	}

	evidence := r.selectDiverse(scored, fused.Chunks)
	evidence.Unreranked = !ok
	evidence.FailedSignals = fused.FailedSignals

	r.logger.Debug("evidence ranked",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(evidence.Items)),
		zap.Bool("unreranked", evidence.Unreranked))

	return evidence
}

// scoredCandidate 重排打分后的候选
type scoredCandidate struct {
	chunkID string
	score   float64
	rank    int // fusion rank, for deterministic ties
}

// score 分批并发调用交叉编码器。任何批次失败整体视为不可用。
func (r *Reranker) score(ctx context.Context, query string, candidates []types.FusedCandidate, chunks map[string]types.DocumentChunk) ([]scoredCandidate, bool) {
	if r.provider == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	results := make([]scoredCandidate, len(candidates))
	g, gctx := errgroup.WithContext(ctx)

	batchSize := r.config.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		start, end := start, end

		g.Go(func() error {
			pairs := make([]QueryDocPair, end-start)
			for i, c := range candidates[start:end] {
				pairs[i] = QueryDocPair{Query: query, Document: chunks[c.ChunkID].Content}
			}

			scores, err := r.provider.Score(gctx, pairs)
			if err != nil {
				return err
			}
			for i, c := range candidates[start:end] {
				results[start+i] = scoredCandidate{
					chunkID: c.ChunkID,
					score:   clamp01(scores[i]),
					rank:    c.Rank,
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Warn("cross-encoder scoring unavailable, falling back to fusion order",
			zap.Error(err))
		return nil, false
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].rank < results[j].rank
	})
	return results, true
}

// fallbackScores 融合排序原样保留，组合分数 min-max 压回 [0,1]
func fallbackScores(candidates []types.FusedCandidate) []scoredCandidate {
	minScore, maxScore := candidates[0].Score, candidates[0].Score
	for _, c := range candidates {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		s := 1.0
		if maxScore > minScore {
			s = (c.Score - minScore) / (maxScore - minScore)
		}
		scored[i] = scoredCandidate{chunkID: c.ChunkID, score: s, rank: c.Rank}
	}
	return scored
}

// selectDiverse 贪心走访打分序列，同一来源文档超过上限就跳过，
// 直到凑满目标证据集或候选耗尽。
func (r *Reranker) selectDiverse(scored []scoredCandidate, chunks map[string]types.DocumentChunk) *types.RankedEvidence {
	perDoc := make(map[string]int)
	evidence := &types.RankedEvidence{}

	for _, sc := range scored {
		if len(evidence.Items) >= r.config.EvidenceSize {
			break
		}
		chunk, ok := chunks[sc.chunkID]
		if !ok {
			continue
		}
		if perDoc[chunk.DocumentTitle] >= r.config.PerDocumentCap {
			continue
		}
		perDoc[chunk.DocumentTitle]++
		evidence.Items = append(evidence.Items, types.EvidenceItem{
			Chunk: chunk,
			Score: sc.score,
		})
	}

	return evidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
