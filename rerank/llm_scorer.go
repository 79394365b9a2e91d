package rerank

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lexflow/lexflow/llm"
)

// LLMScorer 用生成模型做交叉注意力式相关性打分。
// 任何解析失败都按打分不可用处理，由 Reranker 的降级路径兜底。
type LLMScorer struct {
	provider llm.Provider
}

// NewLLMScorer 创建基于生成模型的打分器
func NewLLMScorer(provider llm.Provider) *LLMScorer {
	return &LLMScorer{provider: provider}
}

// Score 实现 CrossEncoderProvider
func (s *LLMScorer) Score(ctx context.Context, pairs []QueryDocPair) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Rate the relevance of each passage to its question on a 0-1 scale.\n")
	b.WriteString("Respond with one comma-separated line of numbers, nothing else.\n\n")
	for i, pair := range pairs {
		fmt.Fprintf(&b, "%d. Question: %s\nPassage: %s\n\n", i+1, pair.Query, pair.Document)
	}

	response, err := s.provider.Complete(ctx, b.String())
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(response), ",")
	if len(fields) != len(pairs) {
		return nil, fmt.Errorf("expected %d scores, got %d", len(pairs), len(fields))
	}

	scores := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("parse score %d: %w", i+1, err)
		}
		scores[i] = v
	}
	return scores, nil
}
