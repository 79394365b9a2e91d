package types

// 常用元数据键
const (
	MetaJurisdiction = "jurisdiction"
	MetaPublishedAt  = "published_at"
	MetaSection      = "section"
)

// DocumentChunk 可检索的法规文档分块。
// 由范围外的摄取流程创建，对本核心只读。
type DocumentChunk struct {
	// 稳定标识
	ID string `json:"id"`
	// 来源文档标题
	DocumentTitle string `json:"document_title"`
	// 分块文本内容
	Content string `json:"content"`
	// 是否现行有效；只有现行分块可参与任何检索信号
	InForce bool `json:"in_force"`
	// 邻域/簇标识，用于跨分块上下文恢复
	ClusterID string `json:"cluster_id,omitempty"`
	// 稠密向量表示
	Embedding []float32 `json:"embedding,omitempty"`
	// 元数据（司法辖区、发布日期、章节等）
	Metadata map[string]string `json:"metadata,omitempty"`
}
