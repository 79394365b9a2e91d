// Package analyzer 提供查询分析能力：意图分类、术语扩展、实体抽取
// 与复杂查询分解。
//
// 分析是优化而非正确性要求：底层模型调用失败或超时一律返回降级
// QueryInfo（仅原文、单元素分解），绝不向调用方传播失败。
package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/types"
)

// Config 查询分析器配置
type Config struct {
	// 分析调用超时
	Timeout time.Duration `json:"timeout"`
	// 最大子查询数
	MaxSubQueries int `json:"max_sub_queries"`
	// 是否使用 LLM；false 时仅走规则路径
	UseLLM bool `json:"use_llm"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:       8 * time.Second,
		MaxSubQueries: 4,
		UseLLM:        true,
	}
}

// Analyzer 查询分析器。叶子组件，不依赖任何检索部件。
type Analyzer struct {
	config   Config
	provider llm.Provider
	logger   *zap.Logger
}

// New 创建查询分析器
func New(config Config, provider llm.Provider, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxSubQueries <= 0 {
		config.MaxSubQueries = 4
	}
	return &Analyzer{
		config:   config,
		provider: provider,
		logger:   logger.With(zap.String("component", "analyzer")),
	}
}

// Analyze 对查询文本产出 QueryInfo。
// priorContext 为可选的会话上文，仅影响 LLM 提示词。
func (a *Analyzer) Analyze(ctx context.Context, text string, priorContext string) *types.QueryInfo {
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	info := &types.QueryInfo{
		Original:     text,
		ExpandedText: text,
		Confidence:   1.0,
	}

	degraded := &degradeTracker{}

	// 1. 意图分类（封闭集合；歧义默认 explanation）
	info.Intent, info.Confidence = a.detectIntent(ctx, text, degraded)

	// 2. 实体抽取（零实体不是错误）
	info.Entities = extractEntities(text)

	// 3. 术语扩展。扩展文本只喂给检索，Original 永远保留。
	info.ExpandedText = a.expand(ctx, text, degraded)

	// 4. 分解：仅当查询包含多个独立问题时触发
	info.SubQueries = a.decompose(ctx, text, degraded)

	// LLM 任一步失败都标记降级；规则路径结果仍然保留
	info.Degraded = degraded.hit

	a.logger.Debug("query analyzed",
		zap.String("intent", string(info.Intent)),
		zap.Int("entities", len(info.Entities)),
		zap.Int("sub_queries", len(info.SubQueries)),
		zap.Bool("degraded", info.Degraded))

	return info
}

// degradeTracker 记录本次分析中是否有 LLM 调用失败
type degradeTracker struct {
	hit bool
}

// detectIntent 识别查询意图。先走规则，拿不准且允许时问 LLM。
func (a *Analyzer) detectIntent(ctx context.Context, text string, degraded *degradeTracker) (types.Intent, float64) {
	if intent, conf, ok := detectIntentByRules(text); ok {
		return intent, conf
	}

	if a.provider != nil && a.config.UseLLM {
		if intent, conf, ok := a.detectIntentWithLLM(ctx, text, degraded); ok {
			return intent, conf
		}
	}

	// 歧义输入默认 explanation 而非失败
	return types.IntentExplanation, 0.4
}

func (a *Analyzer) detectIntentWithLLM(ctx context.Context, text string, degraded *degradeTracker) (types.Intent, float64, bool) {
	prompt := fmt.Sprintf(`Classify the following regulatory question into exactly one intent:
explanation, comparison, instruction, gap_analysis, report, other.
Respond with: <intent>, <confidence 0-1>

Question: %s`, text)

	response, err := a.provider.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("llm intent detection failed, using default", zap.Error(err))
		degraded.hit = true
		return "", 0, false
	}

	parts := strings.SplitN(strings.TrimSpace(response), ",", 2)
	intent := types.Intent(strings.ToLower(strings.TrimSpace(parts[0])))
	switch intent {
	case types.IntentExplanation, types.IntentComparison, types.IntentInstruction,
		types.IntentGapAnalysis, types.IntentReport, types.IntentOther:
	default:
		return "", 0, false
	}

	confidence := 0.6
	if len(parts) == 2 {
		fmt.Sscanf(strings.TrimSpace(parts[1]), "%f", &confidence)
	}
	return intent, confidence, true
}

// expand 生成检索用的扩展文本。失败时原样返回。
func (a *Analyzer) expand(ctx context.Context, text string, degraded *degradeTracker) string {
	extra := expandWithRules(text)

	if a.provider != nil && a.config.UseLLM {
		prompt := fmt.Sprintf(`List implicit regulatory terms and synonyms for the question below.
Return only additional search terms, comma separated, no explanations.

Question: %s`, text)

		response, err := a.provider.Complete(ctx, prompt)
		if err != nil {
			a.logger.Warn("llm expansion failed, using rule-based", zap.Error(err))
			degraded.hit = true
		} else {
			for _, term := range strings.Split(response, ",") {
				term = strings.TrimSpace(term)
				if term != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(term)) {
					extra = append(extra, term)
				}
			}
		}
	}

	if len(extra) == 0 {
		return text
	}
	return text + " " + strings.Join(extra, " ")
}

// decompose 分解复杂查询。不需要分解时返回仅含自身的单元素列表。
func (a *Analyzer) decompose(ctx context.Context, text string, degraded *degradeTracker) []string {
	if !shouldDecompose(text) {
		return []string{text}
	}

	if a.provider != nil && a.config.UseLLM {
		if subs := a.decomposeWithLLM(ctx, text, degraded); len(subs) > 1 {
			return subs
		}
	}

	if subs := decomposeByRules(text); len(subs) > 1 {
		if len(subs) > a.config.MaxSubQueries {
			subs = subs[:a.config.MaxSubQueries]
		}
		return subs
	}
	return []string{text}
}

func (a *Analyzer) decomposeWithLLM(ctx context.Context, text string, degraded *degradeTracker) []string {
	prompt := fmt.Sprintf(`Break down the following question into at most %d independent regulatory sub-questions.
If it is a single question, return it unchanged.
Return only the questions, one per line.

Question: %s`, a.config.MaxSubQueries, text)

	response, err := a.provider.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("llm decomposition failed, using rule-based", zap.Error(err))
		degraded.hit = true
		return nil
	}

	var subs []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(numberPrefixRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			subs = append(subs, line)
		}
		if len(subs) >= a.config.MaxSubQueries {
			break
		}
	}
	return subs
}

var numberPrefixRe = regexp.MustCompile(`^\d+[\.\)]\s*`)

// IsComplex 判断查询是否值得进入分析阶段（编排器的进入启发式）。
// 简单查询跳过分析直接路由，换最低延迟。
func IsComplex(text string, minLength int) bool {
	if minLength <= 0 {
		minLength = 80
	}
	if len(text) >= minLength {
		return true
	}
	if strings.Count(text, "?") > 1 {
		return true
	}
	lower := strings.ToLower(text)
	for _, hint := range []string{" and ", " as well as ", "compare", "gap analysis", "report"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
