// Package types 定义 LexFlow 核心数据模型：查询、文档分块、检索结果、
// 证据集合、编排结果以及统一错误码。
//
// 本包只包含纯数据结构，不依赖任何检索或编排组件，
// 是整个模块依赖图的叶子。
package types
