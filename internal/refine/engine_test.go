package refine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/mocks"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/refine"
	"pipeline-service/internal/streambus"
)

// script answers each node by matching the leading system prompt.
type script struct {
	agent prompt.Agent
	calls map[string]int

	process    func(n int) (string, error)
	analysis   string
	check      string
	fix        string
	confidence string
	synthesis  string
	failOn     string
}

func newScript(t *testing.T) *script {
	t.Helper()
	c, err := prompt.Load("")
	require.NoError(t, err)
	agent, err := c.Agent(prompt.ModeExtraction)
	require.NoError(t, err)
	return &script{
		agent:      agent,
		calls:      map[string]int{},
		process:    func(n int) (string, error) { return "draft", nil },
		analysis:   "✓ Consolidated: totals merged",
		check:      "nothing missed",
		fix:        "fixed draft",
		confidence: "0.5",
		synthesis:  "FINAL ANSWER: final",
	}
}

func (s *script) answer(_ context.Context, req llm.CompletionRequest) (string, error) {
	var node string
	switch req.Messages[0].Content {
	case s.agent.System:
		node = "process"
	case s.agent.Analysis:
		node = "analysis"
	case s.agent.AnalysisCheck:
		node = "check"
	case s.agent.Fix:
		node = "fix"
	case s.agent.FixCheck:
		node = "fix_check"
	case s.agent.Confidence:
		node = "confidence"
	case s.agent.Synthesis:
		node = "synthesis"
	default:
		return "", errors.New("unexpected prompt")
	}
	s.calls[node]++
	if node == s.failOn {
		return "", errors.New("provider down")
	}

	switch node {
	case "process":
		return s.process(s.calls[node])
	case "analysis":
		return s.analysis, nil
	case "check":
		return s.check, nil
	case "fix":
		return s.fix, nil
	case "fix_check":
		return "all fixes applied", nil
	case "confidence":
		return s.confidence, nil
	}
	return s.synthesis, nil
}

func newEngine(t *testing.T, store refine.SessionStore) *refine.Engine {
	t.Helper()
	c, err := prompt.Load("")
	require.NoError(t, err)
	return refine.New(c, refine.Options{MaxIterations: 2, MinConfidence: 0.8, Store: store})
}

func mockModel(t *testing.T, s *script) *mocks.MockCompleter {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockCompleter(ctrl)
	m.EXPECT().Complete(gomock.Any(), gomock.Any()).DoAndReturn(s.answer).AnyTimes()
	return m
}

func TestRun_HighConfidenceFirstPass(t *testing.T) {
	s := newScript(t)
	s.confidence = "0.9"
	store := refine.NewMemoryStore()

	res, err := newEngine(t, store).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "source text")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Iterations)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, "final", res.Output)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1, s.calls["process"])
	assert.Equal(t, 1, s.calls["confidence"])
	assert.Equal(t, 1, s.calls["synthesis"])
	assert.Zero(t, store.Len())
}

func TestRun_UnparsableScoreStillTerminates(t *testing.T) {
	s := newScript(t)
	s.confidence = "I am fairly sure"

	res, err := newEngine(t, nil).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "source text")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	assert.Equal(t, 2, s.calls["process"])
	// the second pass trips the iteration gate straight after process
	assert.Equal(t, 1, s.calls["confidence"])
	assert.Equal(t, 1, s.calls["synthesis"])
}

func TestRun_FixIsSkippedWithoutPendingIssues(t *testing.T) {
	s := newScript(t)
	s.confidence = "0.95"

	_, err := newEngine(t, nil).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "text")
	require.NoError(t, err)
	assert.Zero(t, s.calls["fix"])
	assert.Zero(t, s.calls["fix_check"])
}

func TestRun_FixAppliesPendingIssues(t *testing.T) {
	s := newScript(t)
	s.analysis = "⚠ Duplicate: revenue listed twice"
	s.confidence = "0.95"

	res, err := newEngine(t, nil).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "text")
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls["fix"])
	assert.Equal(t, 1, s.calls["fix_check"])
	assert.Equal(t, "final", res.Output)
}

func TestRun_DegradesToBestDraft(t *testing.T) {
	s := newScript(t)
	s.failOn = "analysis"
	store := refine.NewMemoryStore()

	res, err := newEngine(t, store).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "text")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "draft", res.Output)
	assert.Zero(t, store.Len())
}

func TestRun_NoDraftIsHandlerFailure(t *testing.T) {
	s := newScript(t)
	s.failOn = "process"
	store := refine.NewMemoryStore()

	_, err := newEngine(t, store).Run(context.Background(), mockModel(t, s), prompt.ModeExtraction, "text")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeHandler))
	assert.Zero(t, store.Len())
}

type recordingStore struct {
	*refine.BusStore
	saved map[string]bool
}

func (r *recordingStore) Save(ctx context.Context, s *refine.Session) error {
	r.saved[s.ID] = true
	return r.BusStore.Save(ctx, s)
}

func TestRun_DurableSessionDeletedOnExit(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemory()
	store := &recordingStore{BusStore: refine.NewBusStore(bus, 0), saved: map[string]bool{}}

	s := newScript(t)
	s.confidence = "0.9"
	_, err := newEngine(t, store).Run(ctx, mockModel(t, s), prompt.ModeExtraction, "text")
	require.NoError(t, err)

	require.Len(t, store.saved, 1)
	for id := range store.saved {
		_, ok, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "session %s should be deleted", id)
	}
}
