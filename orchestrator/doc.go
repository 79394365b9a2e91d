// Package orchestrator 是管线入口：按状态机驱动单次问答运行，
// 条件触发查询分析，路由到唯一主能力（合规问答 / 差距分析 / 报告
// 生成），经运行缓存包装的检索融合与重排产出证据，最终生成带引用
// 标记的答案；报告流程额外把分析结果移交外部文档生成协作方并发出
// 进度事件。
//
// 每次运行的全部可变状态都封在一个按引用传递的 run 对象里，
// Completed/Failed 之后不留任何残留状态。
package orchestrator
