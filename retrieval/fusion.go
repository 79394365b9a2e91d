package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/types"
)

// Mode 检索模式，决定候选上限与重排深度
type Mode string

const (
	ModeChat   Mode = "chat"   // Latency-sensitive conversational answers
	ModeReport Mode = "report" // Recall-heavy report generation
)

// Config 融合引擎配置。
// 权重是运营调优参数而非算法常量，全部可配。
type Config struct {
	// 语义信号权重（主相关性）
	SemanticWeight float64 `json:"semantic_weight"`
	// 词法信号权重
	LexicalWeight float64 `json:"lexical_weight"`
	// 簇扩展加成项（召回扩展，叠加在加权和之上）
	ClusterBoost float64 `json:"cluster_boost"`
	// 实体锚定加成项
	EntityBoost float64 `json:"entity_boost"`
	// 每信号 top-K
	SignalTopK int `json:"signal_top_k"`
	// 簇扩展的语义种子数
	ClusterSeedCount int `json:"cluster_seed_count"`
	// 会话模式候选上限
	ChatCandidateCap int `json:"chat_candidate_cap"`
	// 报告模式候选上限
	ReportCandidateCap int `json:"report_candidate_cap"`
	// 每信号超时
	SignalTimeout time.Duration `json:"signal_timeout"`
}

// DefaultConfig 返回默认融合配置
func DefaultConfig() Config {
	return Config{
		SemanticWeight:     1.0,
		LexicalWeight:      0.7,
		ClusterBoost:       0.15,
		EntityBoost:        0.2,
		SignalTopK:         30,
		ClusterSeedCount:   5,
		ChatCandidateCap:   50,
		ReportCandidateCap: 150,
		SignalTimeout:      5 * time.Second,
	}
}

// Result 融合输出：确定有序的候选 + 分块物料 + 失败信号元数据
type Result struct {
	// 融合候选，确定性排序（分数 → 信号数 → 分块 ID）
	Candidates []types.FusedCandidate `json:"candidates"`
	// 候选分块物料，按 ID 索引
	Chunks map[string]types.DocumentChunk `json:"chunks"`
	// 本次不可用的信号（部分失败元数据）
	FailedSignals []types.Signal `json:"failed_signals,omitempty"`
}

// Engine 检索融合引擎
type Engine struct {
	vector   VectorIndex
	lexical  LexicalIndex
	store    ChunkStore
	embedder llm.Embedder
	config   Config
	logger   *zap.Logger
}

// NewEngine 创建融合引擎
func NewEngine(
	vector VectorIndex,
	lexical LexicalIndex,
	store ChunkStore,
	embedder llm.Embedder,
	config Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		vector:   vector,
		lexical:  lexical,
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger.With(zap.String("component", "fusion_engine")),
	}
}

// signalOutput 单信号的采集结果
type signalOutput struct {
	signal types.Signal
	scores map[string]float64 // chunk ID -> raw score
	chunks map[string]types.DocumentChunk
	err    error
	ran    bool
}

// Retrieve 并发执行全部信号并融合。
// 单信号失败只记入 Result.FailedSignals；全部失败返回
// TOTAL_RETRIEVAL_FAILED。零候选但有信号成功是合法的空结果。
func (e *Engine) Retrieve(ctx context.Context, info *types.QueryInfo, mode Mode) (*Result, error) {
	retrievalText := info.RetrievalText()

	// 嵌入只算一次，语义与簇扩展共用；失败时两个信号一起失败
	embedding, embedErr := e.embed(ctx, retrievalText)

	outputs := make([]*signalOutput, 4)
	g, gctx := errgroup.WithContext(ctx)

	// 1. 语义相似
	outputs[0] = &signalOutput{signal: types.SignalSemantic, ran: true}
	g.Go(func() error {
		out := outputs[0]
		if embedErr != nil {
			out.err = fmt.Errorf("query embedding: %w", embedErr)
			return nil
		}
		out.scores, out.chunks, out.err = e.runSemantic(gctx, embedding)
		return nil
	})

	// 2. 词法匹配（原文 + 扩展文本）
	outputs[1] = &signalOutput{signal: types.SignalLexical, ran: true}
	g.Go(func() error {
		out := outputs[1]
		out.scores, out.chunks, out.err = e.runLexical(gctx, retrievalText)
		return nil
	})

	// 3. 簇扩展：语义种子命中的同簇兄弟
	outputs[2] = &signalOutput{signal: types.SignalCluster, ran: true}
	g.Go(func() error {
		out := outputs[2]
		if embedErr != nil {
			out.err = fmt.Errorf("query embedding: %w", embedErr)
			return nil
		}
		out.scores, out.chunks, out.err = e.runClusterExpansion(gctx, embedding)
		return nil
	})

	// 4. 实体锚定：仅当分析产出了实体
	outputs[3] = &signalOutput{signal: types.SignalEntity}
	if len(info.Entities) > 0 {
		outputs[3].ran = true
		g.Go(func() error {
			out := outputs[3]
			out.scores, out.chunks, out.err = e.runEntityLookup(gctx, info.Entities)
			return nil
		})
	}

	g.Wait() // goroutines never return errors; failures live in outputs

	// 部分失败统计
	var failed []types.Signal
	succeeded := 0
	for _, out := range outputs {
		if !out.ran {
			continue
		}
		if out.err != nil {
			failed = append(failed, out.signal)
			e.logger.Warn("retrieval signal failed",
				zap.String("signal", string(out.signal)),
				zap.Error(out.err))
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return nil, types.NewError(types.ErrTotalRetrievalFailed, "all retrieval signals failed").
			WithRetryable(true)
	}

	result := e.fuse(outputs, mode)
	result.FailedSignals = failed

	e.logger.Debug("retrieval fused",
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("failed_signals", len(failed)),
		zap.String("mode", string(mode)))

	return result, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.SignalTimeout)
	defer cancel()
	return e.embedder.Embed(ctx, text)
}

func (e *Engine) runSemantic(ctx context.Context, embedding []float32) (map[string]float64, map[string]types.DocumentChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SignalTimeout)
	defer cancel()

	hits, err := e.vector.SearchByVector(ctx, embedding, e.config.SignalTopK)
	if err != nil {
		return nil, nil, err
	}
	return collectScored(hits)
}

func (e *Engine) runLexical(ctx context.Context, text string) (map[string]float64, map[string]types.DocumentChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SignalTimeout)
	defer cancel()

	hits, err := e.lexical.SearchByTerms(ctx, text, e.config.SignalTopK)
	if err != nil {
		return nil, nil, err
	}
	return collectScored(hits)
}

// runClusterExpansion 先做一次小规模语义检索取种子，再拉取同簇兄弟。
// 兄弟的信号分数取其种子的相似度，恢复被分块边界切碎的上下文。
func (e *Engine) runClusterExpansion(ctx context.Context, embedding []float32) (map[string]float64, map[string]types.DocumentChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SignalTimeout)
	defer cancel()

	seeds, err := e.vector.SearchByVector(ctx, embedding, e.config.ClusterSeedCount)
	if err != nil {
		return nil, nil, err
	}

	scores := make(map[string]float64)
	chunks := make(map[string]types.DocumentChunk)
	for _, seed := range seeds {
		if seed.Chunk.ClusterID == "" {
			continue
		}
		siblings, err := e.store.ByCluster(ctx, seed.Chunk.ClusterID)
		if err != nil {
			return nil, nil, err
		}
		for _, sib := range siblings {
			if prev, ok := scores[sib.ID]; !ok || seed.Score > prev {
				scores[sib.ID] = seed.Score
				chunks[sib.ID] = sib
			}
		}
	}
	return scores, chunks, nil
}

func (e *Engine) runEntityLookup(ctx context.Context, entities []types.Entity) (map[string]float64, map[string]types.DocumentChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SignalTimeout)
	defer cancel()

	scores := make(map[string]float64)
	chunks := make(map[string]types.DocumentChunk)
	for _, entity := range entities {
		matches, err := e.store.ByEntity(ctx, entity)
		if err != nil {
			return nil, nil, err
		}
		for _, chunk := range matches {
			// 命中的实体越多分数越高
			scores[chunk.ID]++
			chunks[chunk.ID] = chunk
		}
	}
	return scores, chunks, nil
}

func collectScored(hits []ScoredChunk) (map[string]float64, map[string]types.DocumentChunk, error) {
	scores := make(map[string]float64, len(hits))
	chunks := make(map[string]types.DocumentChunk, len(hits))
	for _, hit := range hits {
		scores[hit.Chunk.ID] = hit.Score
		chunks[hit.Chunk.ID] = hit.Chunk
	}
	return scores, chunks, nil
}

// fuse 归一化 + 加权组合 + 确定性排序 + 截断
func (e *Engine) fuse(outputs []*signalOutput, mode Mode) *Result {
	normalized := make(map[types.Signal]map[string]float64)
	allChunks := make(map[string]types.DocumentChunk)

	for _, out := range outputs {
		if !out.ran || out.err != nil {
			continue
		}
		normalized[out.signal] = normalizeScores(out.scores)
		for id, chunk := range out.chunks {
			allChunks[id] = chunk
		}
	}

	candidates := make([]types.FusedCandidate, 0, len(allChunks))
	for id := range allChunks {
		c := types.FusedCandidate{ChunkID: id}

		if s, ok := normalized[types.SignalSemantic][id]; ok {
			c.Score += e.config.SemanticWeight * s
			c.SemanticScore = s
			c.Signals = append(c.Signals, types.SignalSemantic)
		}
		if s, ok := normalized[types.SignalLexical][id]; ok {
			c.Score += e.config.LexicalWeight * s
			c.Signals = append(c.Signals, types.SignalLexical)
		}
		// 召回扩展信号作为加成项叠加，不参与平均
		if s, ok := normalized[types.SignalCluster][id]; ok {
			c.Score += e.config.ClusterBoost * s
			c.Signals = append(c.Signals, types.SignalCluster)
		}
		if s, ok := normalized[types.SignalEntity][id]; ok {
			c.Score += e.config.EntityBoost * s
			c.Signals = append(c.Signals, types.SignalEntity)
		}

		candidates = append(candidates, c)
	}

	// 确定性排序：分数降序 → 贡献信号数降序 → 语义分降序 → ID 升序
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Signals) != len(b.Signals) {
			return len(a.Signals) > len(b.Signals)
		}
		if a.SemanticScore != b.SemanticScore {
			return a.SemanticScore > b.SemanticScore
		}
		return a.ChunkID < b.ChunkID
	})

	// 未截断的融合列表绝不向下游暴露
	limit := e.config.ChatCandidateCap
	if mode == ModeReport {
		limit = e.config.ReportCandidateCap
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for i := range candidates {
		candidates[i].Rank = i
	}

	// 只保留截断后仍被引用的分块物料
	kept := make(map[string]types.DocumentChunk, len(candidates))
	for _, c := range candidates {
		kept[c.ChunkID] = allChunks[c.ChunkID]
	}

	return &Result{Candidates: candidates, Chunks: kept}
}

// normalizeScores Min-Max 归一化到 [0,1]。全部相等时归一为 1。
func normalizeScores(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return scores
	}

	minScore := math.Inf(1)
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	normalized := make(map[string]float64, len(scores))
	scoreRange := maxScore - minScore
	if scoreRange == 0 {
		for id := range scores {
			normalized[id] = 1.0
		}
		return normalized
	}
	for id, s := range scores {
		normalized[id] = (s - minScore) / scoreRange
	}
	return normalized
}
