package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/analyzer"
	"github.com/lexflow/lexflow/llm"
	"github.com/lexflow/lexflow/rerank"
	"github.com/lexflow/lexflow/retrieval"
	"github.com/lexflow/lexflow/types"
)

// ====== 测试桩 ======

// stubFetcher 可配置的检索桩
type stubFetcher struct {
	mu    sync.Mutex
	calls int
	fail  bool
	empty bool
}

func (s *stubFetcher) Retrieve(ctx context.Context, info *types.QueryInfo, mode retrieval.Mode) (*retrieval.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.fail {
		return nil, types.NewError(types.ErrTotalRetrievalFailed, "all retrieval signals failed").
			WithRetryable(true)
	}
	if s.empty {
		return &retrieval.Result{Chunks: map[string]types.DocumentChunk{}}, nil
	}

	chunks := map[string]types.DocumentChunk{
		"crr-1":   {ID: "crr-1", DocumentTitle: "CRR", Content: "Own funds requirements for credit risk.", InForce: true},
		"basel-1": {ID: "basel-1", DocumentTitle: "Basel III Framework", Content: "Minimum capital ratios under Basel III.", InForce: true},
		"dora-1":  {ID: "dora-1", DocumentTitle: "DORA", Content: "ICT incident reporting obligations.", InForce: true},
	}
	return &retrieval.Result{
		Candidates: []types.FusedCandidate{
			{ChunkID: "crr-1", Score: 0.9, Signals: []types.Signal{types.SignalSemantic}, Rank: 0},
			{ChunkID: "basel-1", Score: 0.7, Signals: []types.Signal{types.SignalLexical}, Rank: 1},
			{ChunkID: "dora-1", Score: 0.5, Signals: []types.Signal{types.SignalSemantic}, Rank: 2},
		},
		Chunks: chunks,
	}, nil
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubEncoder 重排打分桩
type stubEncoder struct {
	fail bool
}

func (s *stubEncoder) Score(ctx context.Context, pairs []rerank.QueryDocPair) ([]float64, error) {
	if s.fail {
		return nil, errors.New("scoring model down")
	}
	scores := make([]float64, len(pairs))
	for i := range pairs {
		scores[i] = 0.8
	}
	return scores, nil
}

// recordingNotifier 按序记录进度事件
type recordingNotifier struct {
	mu     sync.Mutex
	stages []types.ProgressStage
}

func (n *recordingNotifier) Notify(event types.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stages = append(n.stages, event.Stage)
}

// recordingDocGen 文档生成协作方桩
type recordingDocGen struct {
	mu       sync.Mutex
	called   bool
	analysis string
	fail     bool
}

func (d *recordingDocGen) Generate(ctx context.Context, analysisText string, evidence *types.RankedEvidence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("templating service down")
	}
	d.called = true
	d.analysis = analysisText
	return nil
}

// stubAttachments 附件存储桩
type stubAttachments struct {
	text string
	fail bool
}

func (s *stubAttachments) Resolve(ctx context.Context, attachmentID string) (string, error) {
	if s.fail {
		return "", errors.New("attachment store unreachable")
	}
	return s.text, nil
}

func testAnswerer() llm.Provider {
	return llm.ProviderFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Combine the draft answers") {
			return "Combined: the capital and liquidity rules interact. [1][2]", nil
		}
		if strings.Contains(prompt, "Compare the submitted document") {
			return "The policy omits the incident reporting deadline required by [1].", nil
		}
		return "Institutions must hold own funds against credit risk. [1]", nil
	})
}

func testOrchestrator(t *testing.T, fetcher *stubFetcher, opts ...Option) *Orchestrator {
	t.Helper()
	qaCfg := analyzer.DefaultConfig()
	qaCfg.UseLLM = false
	qa := analyzer.New(qaCfg, nil, zap.NewNop())
	reranker := rerank.New(&stubEncoder{}, rerank.DefaultConfig(), zap.NewNop())
	return New(qa, fetcher, reranker, testAnswerer(), DefaultConfig(), zap.NewNop(), opts...)
}

// ====== 状态机 ======

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateReceived, StateAnalyzing))
	assert.True(t, CanTransition(StateReceived, StateRouting)) // 简单查询跳过分析
	assert.True(t, CanTransition(StateAnswering, StateFailed))
	assert.True(t, CanTransition(StateSynthesizing, StateCompleted))

	assert.False(t, CanTransition(StateCompleted, StateReceived), "completed is terminal")
	assert.False(t, CanTransition(StateFailed, StateRouting), "failed is terminal")
	assert.False(t, CanTransition(StateReceived, StateSynthesizing))
	assert.False(t, CanTransition(StateAnalyzing, StateAnswering))
}

// ====== 合规问答 ======

func TestAnswer_BaselScenario(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher)

	query := types.NewQuery("What are the capital requirements for credit risk under Basel III?", "", nil)
	result, err := o.Answer(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, types.IntentExplanation, result.Intent)
	assert.Equal(t, types.CapabilityComplianceQA, result.Capability)
	assert.Contains(t, result.Answer, "[1]", "answer must carry at least one citation")
	assert.NotEmpty(t, result.Evidence.Items)
	for _, item := range result.Evidence.Items {
		assert.True(t, item.Chunk.InForce, "only in-force chunks may be cited")
	}
	assert.NotEmpty(t, result.RunID)
}

func TestAnswer_DecomposedQuery(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher)

	// 两个问号触发规则分解，两个子查询各检索一次后合成
	query := types.NewQuery("What is the LCR? How does Basel III define liquidity buffers?", "", nil)
	result, err := o.Answer(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.callCount())
	assert.Contains(t, result.Answer, "Combined")
	assert.NotEmpty(t, result.Evidence.Items)
}

func TestAnswer_TotalRetrievalFailure(t *testing.T) {
	fetcher := &stubFetcher{fail: true}
	o := testOrchestrator(t, fetcher)

	query := types.NewQuery("What are the reporting obligations?", "", nil)
	result, err := o.Answer(context.Background(), query)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, types.ErrTotalRetrievalFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err), "total retrieval failure is transient")
}

func TestAnswer_EmptyResultIsNotAnError(t *testing.T) {
	fetcher := &stubFetcher{empty: true}
	o := testOrchestrator(t, fetcher)

	query := types.NewQuery("What about an entirely unregulated topic?", "", nil)
	result, err := o.Answer(context.Background(), query)

	require.NoError(t, err, "zero eligible chunks is a valid outcome, not a failure")
	assert.Empty(t, result.Evidence.Items)
	assert.Contains(t, result.Notes, "no relevant information found")
}

func TestAnswer_RerankerFailureDegrades(t *testing.T) {
	fetcher := &stubFetcher{}
	qaCfg := analyzer.DefaultConfig()
	qaCfg.UseLLM = false
	qa := analyzer.New(qaCfg, nil, zap.NewNop())
	reranker := rerank.New(&stubEncoder{fail: true}, rerank.DefaultConfig(), zap.NewNop())
	o := New(qa, fetcher, reranker, testAnswerer(), DefaultConfig(), zap.NewNop())

	query := types.NewQuery("What are the capital requirements under Basel III?", "", nil)
	result, err := o.Answer(context.Background(), query)

	require.NoError(t, err, "reranker failure must never fail the run")
	assert.True(t, result.Evidence.Unreranked)
	found := false
	for _, note := range result.Notes {
		if strings.Contains(note, "reranking was unavailable") {
			found = true
		}
	}
	assert.True(t, found, "degradation must be surfaced as a note")
}

func TestAnswer_Cancellation(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	query := types.NewQuery("What are the liquidity requirements?", "", nil)
	_, err := o.Answer(ctx, query)

	require.Error(t, err)
	assert.Equal(t, types.ErrCanceled, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

// ====== 差距分析 ======

func TestAnswer_GapAnalysisWithoutAttachmentFallsBack(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher, WithAttachmentStore(&stubAttachments{text: "policy"}))

	query := types.NewQuery("Run a gap analysis of our outsourcing policy against DORA", "", nil)
	result, err := o.Answer(context.Background(), query)

	require.NoError(t, err, "missing attachment is a capability mismatch, not an error")
	assert.Equal(t, types.IntentGapAnalysis, result.Intent)
	assert.Equal(t, types.CapabilityComplianceQA, result.Capability)

	found := false
	for _, note := range result.Notes {
		if strings.Contains(note, "requires an attached document") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnswer_GapAnalysisWithAttachment(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher, WithAttachmentStore(&stubAttachments{text: "Our incident process notifies the regulator within 30 days."}))

	query := types.NewQuery("Run a gap analysis of our outsourcing policy against DORA", "", []string{"doc-1"})
	result, err := o.Answer(context.Background(), query)

	require.NoError(t, err)
	assert.Equal(t, types.CapabilityGapAnalysis, result.Capability)
	assert.Contains(t, result.Answer, "omits")
	assert.NotEmpty(t, result.Evidence.Items)
}

func TestAnswer_GapAnalysisAttachmentFailureFallsBack(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher, WithAttachmentStore(&stubAttachments{fail: true}))

	query := types.NewQuery("Run a gap analysis of our outsourcing policy against DORA", "", []string{"doc-1"})
	result, err := o.Answer(context.Background(), query)

	require.NoError(t, err)
	assert.Equal(t, types.CapabilityComplianceQA, result.Capability)

	found := false
	for _, note := range result.Notes {
		if strings.Contains(note, "could not be read") {
			found = true
		}
	}
	assert.True(t, found)
}

// ====== 报告生成 ======

func TestAnswer_ReportEmitsOrderedProgress(t *testing.T) {
	fetcher := &stubFetcher{}
	notifier := &recordingNotifier{}
	docgen := &recordingDocGen{}
	o := testOrchestrator(t, fetcher, WithNotifier(notifier), WithDocumentGenerator(docgen))

	query := types.NewQuery("Please generate a report on DORA incident reporting obligations", "", nil)
	result, err := o.Answer(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, types.CapabilityReport, result.Capability)
	assert.True(t, docgen.called, "report analysis must be handed to the document generator")
	assert.NotEmpty(t, docgen.analysis)

	assert.Equal(t, []types.ProgressStage{
		types.StageRetrieving,
		types.StageAnalyzing,
		types.StageDrafting,
		types.StageComplete,
	}, notifier.stages, "progress events must arrive in pipeline order")
}

func TestAnswer_ReportDocGenFailure(t *testing.T) {
	fetcher := &stubFetcher{}
	o := testOrchestrator(t, fetcher, WithDocumentGenerator(&recordingDocGen{fail: true}))

	query := types.NewQuery("Please generate a report on DORA incident reporting obligations", "", nil)
	_, err := o.Answer(context.Background(), query)

	require.Error(t, err)
	assert.Equal(t, types.ErrGenerationFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

// ====== 生成失败 ======

func TestAnswer_GenerationFailure(t *testing.T) {
	fetcher := &stubFetcher{}
	qaCfg := analyzer.DefaultConfig()
	qaCfg.UseLLM = false
	qa := analyzer.New(qaCfg, nil, zap.NewNop())
	reranker := rerank.New(&stubEncoder{}, rerank.DefaultConfig(), zap.NewNop())
	failing := llm.ProviderFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("model overloaded")
	})
	o := New(qa, fetcher, reranker, failing, DefaultConfig(), zap.NewNop())

	query := types.NewQuery("What are the capital requirements?", "", nil)
	_, err := o.Answer(context.Background(), query)

	require.Error(t, err)
	assert.Equal(t, types.ErrGenerationFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}
