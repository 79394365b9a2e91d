package types

// Intent 表示查询的封闭意图集合
type Intent string

const (
	IntentExplanation Intent = "explanation"  // Explain a regulation/concept
	IntentComparison  Intent = "comparison"   // Compare regulations/requirements
	IntentInstruction Intent = "instruction"  // How-to / procedural
	IntentGapAnalysis Intent = "gap_analysis" // Gap analysis against attached document
	IntentReport      Intent = "report"       // Long-running report generation
	IntentOther       Intent = "other"        // Anything else
)

// EntityType 表示抽取实体的类型
type EntityType string

const (
	EntityRegulation  EntityType = "regulation"  // e.g. "Basel III", "MiFID II"
	EntityProcess     EntityType = "process"     // e.g. "credit approval"
	EntityRequirement EntityType = "requirement" // e.g. "Art. 92(1) CRR"
	EntityJurisdiction EntityType = "jurisdiction"
)

// Entity 带类型的抽取实体
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// QueryInfo 查询分析器的输出。
// 编排运行持有，检索与重排阶段只读消费。
//
// 关键约定：ExpandedText 仅用于检索召回，Original 永远保留用于
// 展示与引用，二者在下游绝不混用。
type QueryInfo struct {
	// 原始查询文本（展示/引用用途）
	Original string `json:"original"`
	// 扩展后的检索文本（隐含术语显式化）
	ExpandedText string `json:"expanded_text"`
	// 抽取实体（可为空）
	Entities []Entity `json:"entities,omitempty"`
	// 检测意图
	Intent Intent `json:"intent"`
	// 意图置信度 0-1
	Confidence float64 `json:"confidence"`
	// 子查询（有序）；无需分解时为仅含自身的单元素列表
	SubQueries []string `json:"sub_queries"`
	// 分析是否降级（LLM 失败/超时时为 true）
	Degraded bool `json:"degraded,omitempty"`
}

// MinimalQueryInfo 返回降级的 QueryInfo：仅原文、无扩展、无实体、
// 单元素分解。分析是优化而非正确性要求，失败时走这里。
func MinimalQueryInfo(text string) *QueryInfo {
	return &QueryInfo{
		Original:     text,
		ExpandedText: text,
		Intent:       IntentExplanation,
		Confidence:   0.0,
		SubQueries:   []string{text},
		Degraded:     true,
	}
}

// RetrievalText 返回检索阶段应使用的文本
func (q *QueryInfo) RetrievalText() string {
	if q.ExpandedText != "" {
		return q.ExpandedText
	}
	return q.Original
}

// NeedsDecomposition 判断是否存在真正的多子查询分解
func (q *QueryInfo) NeedsDecomposition() bool {
	return len(q.SubQueries) > 1
}
