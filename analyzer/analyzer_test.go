package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/types"
)

// mockProvider 基于提示词内容返回预定义回复
type mockProvider struct {
	failAll   bool
	callCount int
}

func (m *mockProvider) Complete(ctx context.Context, prompt string) (string, error) {
	m.callCount++
	if m.failAll {
		return "", errors.New("model unavailable")
	}
	if strings.Contains(prompt, "Classify") {
		return "comparison, 0.9", nil
	}
	if strings.Contains(prompt, "implicit regulatory terms") {
		return "own funds, capital adequacy ratio", nil
	}
	if strings.Contains(prompt, "Break down") {
		return "1. What are the capital requirements under Basel III?\n2. What are the reporting deadlines under CRR?", nil
	}
	return "", nil
}

func newTestAnalyzer(p *mockProvider) *Analyzer {
	cfg := DefaultConfig()
	return New(cfg, p, zap.NewNop())
}

func TestAnalyze_IntentByRules(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})

	tests := []struct {
		query  string
		intent types.Intent
	}{
		{"What are the capital requirements for credit risk under Basel III?", types.IntentExplanation},
		{"Compare MiFID II and MiFID I client categorization", types.IntentComparison},
		{"How do we implement transaction monitoring?", types.IntentInstruction},
		{"Run a gap analysis of our outsourcing policy against DORA", types.IntentGapAnalysis},
		{"Please generate a report on GDPR obligations for data processors", types.IntentReport},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			info := a.Analyze(context.Background(), tt.query, "")
			assert.Equal(t, tt.intent, info.Intent)
		})
	}
}

func TestAnalyze_PreservesOriginalText(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})
	query := "What are the capital requirements for credit risk under Basel III?"

	info := a.Analyze(context.Background(), query, "")

	assert.Equal(t, query, info.Original)
	// 扩展文本必须以原文开头，展示/引用只用 Original
	assert.True(t, strings.HasPrefix(info.ExpandedText, query))
	assert.NotEqual(t, query, info.ExpandedText, "expansion should add terms")
}

func TestAnalyze_EntityExtraction(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})

	info := a.Analyze(context.Background(),
		"What does Art. 92(1) of CRR require for EU credit institutions under Basel III?", "")

	var regulations, requirements, jurisdictions int
	for _, e := range info.Entities {
		switch e.Type {
		case types.EntityRegulation:
			regulations++
		case types.EntityRequirement:
			requirements++
		case types.EntityJurisdiction:
			jurisdictions++
		}
	}
	assert.GreaterOrEqual(t, regulations, 1, "should find CRR / Basel III")
	assert.GreaterOrEqual(t, requirements, 1, "should find Art. 92(1)")
	assert.GreaterOrEqual(t, jurisdictions, 1, "should find EU")
}

func TestAnalyze_NoEntitiesIsNotAnError(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})
	info := a.Analyze(context.Background(), "explain the general principle of proportionality", "")
	assert.Empty(t, info.Entities)
	assert.False(t, info.Degraded)
}

func TestAnalyze_SingleQuestionSingleSubQuery(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})
	query := "What are the capital requirements for credit risk under Basel III?"

	info := a.Analyze(context.Background(), query, "")
	assert.Equal(t, []string{query}, info.SubQueries)
	assert.False(t, info.NeedsDecomposition())
}

func TestAnalyze_DecomposesMultiQuestionQuery(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{})
	query := "What are the capital requirements under Basel III? And what are the reporting deadlines under CRR?"

	info := a.Analyze(context.Background(), query, "")
	assert.Greater(t, len(info.SubQueries), 1)
	assert.True(t, info.NeedsDecomposition())
}

func TestAnalyze_LLMFailureDegradesNotFails(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{failAll: true})
	// 带 "and" 的非规则意图查询会触发 LLM 路径
	query := "Summarize liquidity positions and list relevant deadlines please; additionally how should we proceed"

	info := a.Analyze(context.Background(), query, "")

	assert.NotNil(t, info)
	assert.True(t, info.Degraded)
	assert.Equal(t, query, info.Original)
	assert.NotEmpty(t, info.SubQueries)
}

func TestAnalyze_WithoutLLM(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseLLM = false
	a := New(cfg, nil, zap.NewNop())

	info := a.Analyze(context.Background(), "What are the capital requirements under Basel III?", "")
	assert.Equal(t, types.IntentExplanation, info.Intent)
	assert.False(t, info.Degraded)
}

func TestIsComplex(t *testing.T) {
	assert.False(t, IsComplex("What is CRR?", 80))
	assert.True(t, IsComplex("What is CRR? What is CRD?", 80))
	assert.True(t, IsComplex("Compare CRR and CRD", 80))
	assert.True(t, IsComplex(strings.Repeat("long query ", 20), 80))
}
