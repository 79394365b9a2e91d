package orchestrator

import (
	"fmt"
	"strings"

	"github.com/lexflow/lexflow/types"
)

// heuristicCounter 默认 token 估算：按 4 字节一个 token。
// 精确计数由 llm.TiktokenCounter 在装配层注入。
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// evidenceBlock 把证据编号列出，按 token 预算截断。
// 编号即引用锚点：答案中的 [n] 指向第 n 条证据。
func evidenceBlock(evidence *types.RankedEvidence, tokens TokenCounter, budget int) string {
	var b strings.Builder
	used := 0
	for i, item := range evidence.Items {
		line := fmt.Sprintf("[%d] %s: %s\n", i+1, item.Chunk.DocumentTitle, item.Chunk.Content)
		cost := tokens.Count(line)
		if used+cost > budget && used > 0 {
			break
		}
		b.WriteString(line)
		used += cost
	}
	return b.String()
}

// answerPrompt 单个（子）查询的生成提示词
func answerPrompt(query string, evidence *types.RankedEvidence, tokens TokenCounter, budget int) string {
	return fmt.Sprintf(`Answer the regulatory question below using only the numbered evidence.
Cite evidence inline with bracketed indices like [1] or [2][3].
If the evidence does not cover the question, say so.

Evidence:
%s
Question: %s`, evidenceBlock(evidence, tokens, budget), query)
}

// gapAnalysisPrompt 差距分析提示词：附件与监管证据并置
func gapAnalysisPrompt(query, document string, evidence *types.RankedEvidence, tokens TokenCounter, budget int) string {
	// 附件与证据平分预算
	half := budget / 2
	doc := document
	for tokens.Count(doc) > half && len(doc) > 0 {
		doc = doc[:len(doc)*3/4]
	}

	return fmt.Sprintf(`Compare the submitted document against the regulatory evidence below.
Identify requirements the document does not satisfy, partially satisfies, or omits.
Cite evidence inline with bracketed indices like [1].

Regulatory evidence:
%s
Submitted document:
%s

Question: %s`, evidenceBlock(evidence, tokens, half), doc, query)
}

// synthesisPrompt 多子查询的最终合成提示词。
// 引用以合并后的证据编号为准。
func synthesisPrompt(original string, answers []subAnswer, merged *types.RankedEvidence, tokens TokenCounter, budget int) string {
	var drafts strings.Builder
	for _, a := range answers {
		if a.text == "" {
			continue
		}
		fmt.Fprintf(&drafts, "Sub-question: %s\nDraft answer: %s\n\n", a.query, a.text)
	}

	return fmt.Sprintf(`Combine the draft answers below into one coherent answer to the original question.
Re-cite claims against the merged numbered evidence using bracketed indices like [1].

Merged evidence:
%s
%sOriginal question: %s`, evidenceBlock(merged, tokens, budget), drafts.String(), original)
}
