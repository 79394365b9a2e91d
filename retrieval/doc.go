// Package retrieval 实现检索融合引擎：四路检索信号（语义相似、词法
// 匹配、簇扩展、实体锚定）并发执行，分数各自归一化后加权融合为一个
// 去重的候选列表。
//
// 关键保证：
//   - 只有现行有效（in force）的分块参与任何信号，过滤在信号源头完成；
//   - 单信号失败只记入元数据，全部失败才是致命错误；
//   - 相同输入的融合排序完全确定（分数 → 信号数 → 分块 ID）。
package retrieval
