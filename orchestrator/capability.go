package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// answerCompliance 合规问答：对每个子查询走检索 → 重排 → 生成
func (o *Orchestrator) answerCompliance(ctx context.Context, r *run) error {
	return o.answerSubQueries(ctx, r, retrieval.ModeChat)
}

// answerReport 报告生成：召回更深，且对外发出进度事件
func (o *Orchestrator) answerReport(ctx context.Context, r *run) error {
	o.notify(r, types.StageRetrieving, 0.1)
	if err := o.answerSubQueries(ctx, r, retrieval.ModeReport); err != nil {
		return err
	}
	o.notify(r, types.StageAnalyzing, 0.5)
	return nil
}

// answerGapAnalysis 差距分析：附件文本与监管证据并置比对。
// 附件无法解析时降级为合规问答并留下备注，不报错。
func (o *Orchestrator) answerGapAnalysis(ctx context.Context, r *run) error {
	docText, err := o.resolveAttachments(ctx, r)
	if err != nil {
		o.logger.Warn("attachment resolution failed, falling back to compliance QA")
		r.notes = append(r.notes,
			"Attached document could not be read; answered as a standard compliance question instead.")
		r.capability = types.CapabilityComplianceQA
		return o.answerCompliance(ctx, r)
	}

	fused, err := r.fetcher.Retrieve(ctx, r.query.Fingerprint, r.info, retrieval.ModeChat)
	if err != nil {
		return err
	}
	o.metrics.RecordFusion(len(fused.Candidates))

	evidence := o.reranker.Rerank(ctx, r.info, fused, retrieval.ModeChat)
	sub := subAnswer{query: r.info.Original, evidence: evidence}

	if len(evidence.Items) > 0 {
		text, genErr := o.generate(ctx, "gap_analysis",
			gapAnalysisPrompt(r.info.Original, docText, evidence, o.tokens, o.config.MaxEvidenceTokens))
		if genErr != nil {
			return genErr
		}
		sub.text = text
	}

	r.subAnswers = []subAnswer{sub}
	return nil
}

// resolveAttachments 解析全部附件引用为文本
func (o *Orchestrator) resolveAttachments(ctx context.Context, r *run) (string, error) {
	var parts []string
	for _, id := range r.query.AttachmentIDs {
		text, err := o.attachments.Resolve(ctx, id)
		if err != nil {
			return "", types.NewError(types.ErrAttachmentUnavailable,
				fmt.Sprintf("attachment %s could not be resolved", id)).WithCause(err)
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), nil
}

// answerSubQueries 并发处理全部子查询，屏障汇合后再继续。
// 子查询之间互不取消；全部失败才致命，部分失败只记备注。
func (o *Orchestrator) answerSubQueries(ctx context.Context, r *run, mode retrieval.Mode) error {
	subs := r.info.SubQueries
	if len(subs) == 0 {
		subs = []string{r.info.Original}
	}

	answers := make([]subAnswer, len(subs))
	g := &errgroup.Group{}
	if o.config.SubQueryConcurrency > 0 {
		g.SetLimit(o.config.SubQueryConcurrency)
	}
	for i, sq := range subs {
		i, sq := i, sq
		g.Go(func() error {
			answers[i] = o.answerOne(ctx, r, sq, mode)
			return nil
		})
	}
	_ = g.Wait() // barrier: synthesis never starts before every sub-query resolves
	r.subAnswers = answers

	if err := checkCanceled(ctx); err != nil {
		return err
	}

	succeeded := 0
	var firstErr error
	for _, a := range answers {
		if a.err == nil {
			succeeded++
			continue
		}
		// 全信号失败是最有代表性的失败类别，优先上浮
		if firstErr == nil || types.GetErrorCode(a.err) == types.ErrTotalRetrievalFailed {
			firstErr = a.err
		}
	}

	if succeeded == 0 {
		return firstErr
	}
	if succeeded < len(answers) {
		r.notes = append(r.notes,
			fmt.Sprintf("%d of %d sub-questions could not be answered.", len(answers)-succeeded, len(answers)))
	}
	return nil
}

// answerOne 单个子查询的检索 → 重排 → 生成
func (o *Orchestrator) answerOne(ctx context.Context, r *run, sq string, mode retrieval.Mode) subAnswer {
	sub := subAnswer{query: sq}

	subInfo := r.info
	if sq != r.info.Original {
		// 子查询复用父查询的实体与意图，文本替换为自身
		subInfo = &types.QueryInfo{
			Original:     sq,
			ExpandedText: sq,
			Entities:     r.info.Entities,
			Intent:       r.info.Intent,
			Confidence:   r.info.Confidence,
			SubQueries:   []string{sq},
			Degraded:     r.info.Degraded,
		}
	}

	t0 := time.Now()
	fused, err := r.fetcher.Retrieve(ctx, r.query.Fingerprint, subInfo, mode)
	o.metrics.RecordStage("retrieve", time.Since(t0))
	if err != nil {
		sub.err = err
		return sub
	}
	o.metrics.RecordFusion(len(fused.Candidates))

	t0 = time.Now()
	evidence := o.reranker.Rerank(ctx, subInfo, fused, mode)
	o.metrics.RecordRerank(time.Since(t0), evidence.Unreranked)
	sub.evidence = evidence

	if len(evidence.Items) == 0 {
		// 有效空结果：信号执行成功但没有命中任何现行有效的分块
		return sub
	}

	text, err := o.generate(ctx, "answer",
		answerPrompt(sq, evidence, o.tokens, o.config.MaxEvidenceTokens))
	if err != nil {
		sub.err = err
		return sub
	}
	sub.text = text
	return sub
}

// generate 调用生成模型，失败统一归入 GENERATION_FAILED（可重试）
func (o *Orchestrator) generate(ctx context.Context, operation, prompt string) (string, error) {
	t0 := time.Now()
	text, err := o.generator.Complete(ctx, prompt)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordLLMRequest(operation, status, time.Since(t0),
		o.tokens.Count(prompt), o.tokens.Count(text))
	if err != nil {
		if ctx.Err() != nil {
			return "", types.NewError(types.ErrCanceled, "generation canceled").WithCause(err)
		}
		return "", types.NewError(types.ErrGenerationFailed, "generation model call failed").
			WithRetryable(true).WithCause(err)
	}
	return strings.TrimSpace(text), nil
}

// synthesize 汇合子应答为最终结果；报告流程在此移交文档生成
func (o *Orchestrator) synthesize(ctx context.Context, r *run) (*types.OrchestrationResult, error) {
	merged := mergeEvidence(r.subAnswers)

	var texts []string
	for _, a := range r.subAnswers {
		if a.text != "" {
			texts = append(texts, a.text)
		}
	}

	var answer string
	switch {
	case len(texts) == 0:
		// 信号成功但证据为空：这是有效结果，与系统失败严格区分
		answer = "No relevant provisions were found in the regulatory corpus for this question."
		r.notes = append(r.notes, "no relevant information found")
	case len(texts) == 1:
		answer = texts[0]
	default:
		synthesized, err := o.generate(ctx, "synthesize",
			synthesisPrompt(r.info.Original, r.subAnswers, merged, o.tokens, o.config.MaxEvidenceTokens))
		if err != nil {
			// 子应答都在手上，拼接降级好过整体失败
			o.logger.Warn("synthesis generation failed, concatenating sub-answers")
			answer = strings.Join(texts, "\n\n")
			r.notes = append(r.notes, "Sub-answers could not be synthesized and are presented sequentially.")
		} else {
			answer = synthesized
		}
	}

	if merged.Unreranked {
		r.notes = append(r.notes, "Evidence is in retrieval order; relevance reranking was unavailable.")
	}
	if len(merged.FailedSignals) > 0 {
		signals := make([]string, len(merged.FailedSignals))
		for i, s := range merged.FailedSignals {
			signals[i] = string(s)
		}
		r.notes = append(r.notes,
			fmt.Sprintf("Some retrieval signals were unavailable: %s.", strings.Join(signals, ", ")))
	}

	result := &types.OrchestrationResult{
		Answer:     answer,
		Evidence:   *merged,
		Capability: r.capability,
		Intent:     r.info.Intent,
		Notes:      r.notes,
		RunID:      r.id,
		Timings:    r.timings,
	}

	if r.capability == types.CapabilityReport {
		o.notify(r, types.StageDrafting, 0.8)
		if o.docgen != nil {
			if err := o.docgen.Generate(ctx, answer, merged); err != nil {
				return nil, types.NewError(types.ErrGenerationFailed, "document generation handoff failed").
					WithRetryable(true).WithCause(err)
			}
		}
		o.notify(r, types.StageComplete, 1.0)
	}

	return result, nil
}

// mergeEvidence 按子查询顺序合并证据，分块去重，元数据按或合并
func mergeEvidence(answers []subAnswer) *types.RankedEvidence {
	merged := &types.RankedEvidence{}
	seen := make(map[string]bool)
	seenSignal := make(map[types.Signal]bool)

	for _, a := range answers {
		if a.evidence == nil {
			continue
		}
		for _, item := range a.evidence.Items {
			if seen[item.Chunk.ID] {
				continue
			}
			seen[item.Chunk.ID] = true
			merged.Items = append(merged.Items, item)
		}
		if a.evidence.Unreranked {
			merged.Unreranked = true
		}
		for _, s := range a.evidence.FailedSignals {
			if !seenSignal[s] {
				seenSignal[s] = true
				merged.FailedSignals = append(merged.FailedSignals, s)
			}
		}
	}
	return merged
}
