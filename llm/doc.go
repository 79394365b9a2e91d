// Package llm 定义对外部语言模型服务的窄接口，以及限流、超时与
// 嵌入缓存等弹性封装。
//
// 本核心将模型服务视为单一能力接口：文本补全用于查询扩展、实体抽取、
// 分解与最终生成；嵌入用于语义检索。交叉注意力打分接口由 rerank 包
// 在使用处定义。
package llm
