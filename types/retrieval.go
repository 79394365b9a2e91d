package types

// Signal 检索信号名称（封闭集合）
type Signal string

const (
	SignalSemantic Signal = "semantic" // Dense vector nearest-neighbor
	SignalLexical  Signal = "lexical"  // BM25-style term matching
	SignalCluster  Signal = "cluster"  // Cluster/neighborhood expansion
	SignalEntity   Signal = "entity"   // Entity-anchored metadata lookup
)

// AllSignals 所有检索信号，用于元数据记录
var AllSignals = []Signal{SignalSemantic, SignalLexical, SignalCluster, SignalEntity}

// RetrievalResult 单一信号产出的一条打分分块引用
type RetrievalResult struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`  // Raw signal score, signal-local scale
	Signal  Signal  `json:"signal"` // Which strategy produced it
}

// FusedCandidate 融合后的候选：同一分块来自多个信号的结果合并为一条
type FusedCandidate struct {
	ChunkID string `json:"chunk_id"`
	// 归一化加权组合分数
	Score float64 `json:"score"`
	// 贡献信号集合
	Signals []Signal `json:"signals"`
	// 语义信号的归一化分数，用于平分决胜
	SemanticScore float64 `json:"semantic_score"`
	// 融合排序中的最终名次（0 起）
	Rank int `json:"rank"`
}

// HasSignal 判断候选是否由指定信号贡献
func (c *FusedCandidate) HasSignal(s Signal) bool {
	for _, sig := range c.Signals {
		if sig == s {
			return true
		}
	}
	return false
}

// EvidenceItem 重排输出中的一条证据
type EvidenceItem struct {
	Chunk DocumentChunk `json:"chunk"`
	// 相关性分数，[0,1]
	Score float64 `json:"score"`
}

// RankedEvidence 重排器输出：有序、去重、按文档多样性裁剪的证据集
type RankedEvidence struct {
	Items []EvidenceItem `json:"items"`
	// true 表示重排模型不可用，保留了融合阶段排序
	Unreranked bool `json:"unreranked,omitempty"`
	// 本次检索中不可用的信号（部分失败元数据）
	FailedSignals []Signal `json:"failed_signals,omitempty"`
}

// ChunkIDs 返回证据分块 ID 序列（引用锚定用）
func (e *RankedEvidence) ChunkIDs() []string {
	ids := make([]string, len(e.Items))
	for i, item := range e.Items {
		ids[i] = item.Chunk.ID
	}
	return ids
}
