package orchestrator

import (
	"context"

	"github.com/lexflow/lexflow/types"
)

// Notifier 接收报告流程的进度事件
type Notifier interface {
	Notify(event types.ProgressEvent)
}

// NotifierFunc 函数适配器
type NotifierFunc func(event types.ProgressEvent)

// Notify 实现 Notifier
func (f NotifierFunc) Notify(event types.ProgressEvent) {
	f(event)
}

// DocumentGenerator 外部文档生成协作方：接收分析文本与证据，
// 异步产出格式化产物，其自身进度经由 Notifier 上报。
type DocumentGenerator interface {
	Generate(ctx context.Context, analysisText string, evidence *types.RankedEvidence) error
}

// AttachmentStore 把附件引用解析为文本内容，差距分析用
type AttachmentStore interface {
	Resolve(ctx context.Context, attachmentID string) (string, error)
}

// TokenCounter 估算文本的 token 数，用于证据块预算
type TokenCounter interface {
	Count(text string) int
}
