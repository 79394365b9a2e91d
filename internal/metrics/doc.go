/*
包 metrics 提供基于 Prometheus 的问答管线指标采集能力，覆盖
编排、检索信号、重排、运行缓存与 LLM 调用五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 编排指标：运行总数（按能力/状态）、各阶段耗时，
    按 capability/stage 分组。
  - 检索指标：信号耗时与失败计数（按 signal 分组）、
    融合候选数量分布。
  - 重排指标：打分耗时、降级回退计数。
  - 运行缓存指标：命中、未命中、等待 in-flight 计数。
  - LLM 指标：请求总数、请求耗时、Token 用量，
    按 operation 分组。
*/
package metrics
