package types

import "time"

// Capability 处理查询的专门能力（封闭集合，路由阶段一次性解析）
type Capability string

const (
	CapabilityComplianceQA  Capability = "compliance_qa"
	CapabilityGapAnalysis   Capability = "gap_analysis"
	CapabilityReport        Capability = "report"
)

// OrchestrationResult 最终答案对象。每次查询创建一次，不可变。
type OrchestrationResult struct {
	// 生成文本，内含 [1] 形式的引用标记
	Answer string `json:"answer"`
	// 产生答案所用证据（引用对照）
	Evidence RankedEvidence `json:"evidence"`
	// 实际处理该查询的能力
	Capability Capability `json:"capability"`
	// 检测意图
	Intent Intent `json:"intent"`
	// 用户可见备注（如 gap 分析缺少附件时的回退说明）
	Notes []string `json:"notes,omitempty"`
	// 运行标识
	RunID string `json:"run_id"`
	// 各阶段耗时等诊断信息
	Timings map[string]time.Duration `json:"timings,omitempty"`
}

// ProgressStage 报告流程的进度阶段
type ProgressStage string

const (
	StageRetrieving ProgressStage = "retrieving"
	StageAnalyzing  ProgressStage = "analyzing"
	StageDrafting   ProgressStage = "drafting"
	StageComplete   ProgressStage = "complete"
)

// ProgressEvent 发送给外部通知器的进度事件
type ProgressEvent struct {
	Stage           ProgressStage `json:"stage"`
	PercentComplete float64       `json:"percent_complete,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
