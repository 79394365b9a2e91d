// =============================================================================
// 📦 Package main - LexFlow 服务入口
// =============================================================================
// 监管问答服务的可执行入口，包含：
//
//   - serve 命令：装配检索/重排/编排流水线并启动 HTTP 与 Metrics 双端口
//   - health 命令：对运行中的实例做健康检查
//   - version 命令：打印构建信息
//
// 流水线装配顺序：LLM Provider → 嵌入缓存 → 索引（内存或 pgvector）→
// 融合引擎 → 分析器 → 重排器 → 编排器。所有可调参数来自 config 包。
// =============================================================================
package main
