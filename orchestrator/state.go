package orchestrator

import (
	"fmt"

	"github.com/lexflow/lexflow/types"
)

// RunState 定义一次编排运行的生命周期状态
type RunState string

const (
	StateReceived     RunState = "received"     // Query accepted
	StateAnalyzing    RunState = "analyzing"    // Query analysis in progress
	StateRouting      RunState = "routing"      // Capability selection
	StateAnswering    RunState = "answering"    // Retrieval + rerank + generation
	StateSynthesizing RunState = "synthesizing" // Final assembly / report handoff
	StateCompleted    RunState = "completed"    // Terminal success
	StateFailed       RunState = "failed"       // Terminal failure
)

// validTransitions 定义合法的状态转换。
// 简单查询跳过分析，received 可直达 routing；failed 从任意
// 非终态可达。
var validTransitions = map[RunState][]RunState{
	StateReceived:     {StateAnalyzing, StateRouting, StateFailed},
	StateAnalyzing:    {StateRouting, StateFailed},
	StateRouting:      {StateAnswering, StateFailed},
	StateAnswering:    {StateSynthesizing, StateFailed},
	StateSynthesizing: {StateCompleted, StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to RunState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// transition 推进运行状态；非法转换返回结构化错误
func (r *run) transition(to RunState) error {
	if !CanTransition(r.state, to) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("invalid state transition: %s -> %s", r.state, to))
	}
	r.state = to
	return nil
}
