package repair

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/mocks"
	"github.com/phrazzld/medforge/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const validSolution = `{"final_answer":"A","original_answer":"A","final_expl_markdown":"**Aspirin** irreversibly acetylates COX-1, which blocks thromboxane A2 synthesis."}`

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testTask() domain.Task {
	return domain.Task{
		GroupID: "ch01",
		ID:      7,
		Payload: domain.Question{
			Stem: "Which drug irreversibly inhibits cyclooxygenase?",
			Options: map[string]string{
				"A": "Aspirin",
				"B": "Ibuprofen",
				"C": "Naproxen",
				"D": "Celecoxib",
			},
			RawAnswer: "A",
		},
		Context: "NSAIDs inhibit cyclooxygenase.",
	}
}

func newTestExecutor(t *testing.T, attempts int, backends ...generation.Backend) *Executor {
	t.Helper()
	r, err := router.New(backends, config.RouterConfig{
		RetriesPerProvider:  1,
		PrimaryProbeRetries: 1,
		MinCooldown:         time.Second,
		MaxCooldown:         time.Minute,
		FallbackRetryDelay:  time.Minute,
		RequestsPerRetry:    10,
	}, setupTestLogger())
	require.NoError(t, err)

	e, err := New(r, config.RepairConfig{
		MaxAttempts:          attempts,
		MinExplanationLength: 20,
		AnswerAlphabet:       "ABCDE",
	}, setupTestLogger())
	require.NoError(t, err)
	return e
}

func TestNewValidation(t *testing.T) {
	cfg := config.RepairConfig{MaxAttempts: 3, AnswerAlphabet: "ABCDE"}

	_, err := New(nil, cfg, setupTestLogger())
	assert.Error(t, err)

	b := mocks.NewMockBackendWithText("p1", validSolution)
	r, err := router.New([]generation.Backend{b}, config.RouterConfig{RetriesPerProvider: 1}, setupTestLogger())
	require.NoError(t, err)

	_, err = New(r, cfg, nil)
	assert.Error(t, err)

	_, err = New(r, config.RepairConfig{MaxAttempts: 0}, setupTestLogger())
	assert.Error(t, err)
}

func TestRunFirstAttemptSucceeds(t *testing.T) {
	b := mocks.NewMockBackendWithText("p1", validSolution)
	e := newTestExecutor(t, 3, b)

	art := e.Run(context.Background(), testTask())

	require.NotNil(t, art)
	assert.False(t, art.Degraded)
	assert.Equal(t, "A", art.Answer)
	assert.Equal(t, "A", art.OriginalAnswer)
	assert.Equal(t, "p1", art.Provider)
	assert.Equal(t, 1, art.Attempts)
	assert.Equal(t, 1, b.Calls())
	assert.Contains(t, art.Body, "### 7. Which drug irreversibly inhibits cyclooxygenase?")
	assert.Contains(t, art.Body, "> **Answer**: A")
	assert.NoError(t, art.Validate())

	prompt := b.Requests()[0]
	assert.Contains(t, prompt, "Textbook excerpt (reference):\nNSAIDs inhibit cyclooxygenase.")
	assert.Contains(t, prompt, `"A":"Aspirin"`)
	assert.Contains(t, prompt, "Original Answer: A")
	assert.Contains(t, prompt, "Original Explanation: None")
	assert.NotContains(t, prompt, "[IMPORTANT]")
}

func TestRunConvergesAfterRepair(t *testing.T) {
	b := mocks.NewMockBackend("p1", true)
	b.Responses = []mocks.Response{
		{Text: "I think the answer is A."},
		{Text: `{"final_answer": "A", "final_expl_markdown": "too short"}`},
		{Text: validSolution},
	}
	e := newTestExecutor(t, 3, b)

	art := e.Run(context.Background(), testTask())

	assert.False(t, art.Degraded)
	assert.Equal(t, 3, art.Attempts)
	assert.Equal(t, 3, b.Calls())

	reqs := b.Requests()
	assert.Contains(t, reqs[1], "[IMPORTANT] Your previous JSON had the following issue")
	assert.Contains(t, reqs[1], "JSON parse failed")
	assert.Contains(t, reqs[1], "I think the answer is A.")
	assert.Contains(t, reqs[2], "Explanation text too short")
}

func TestRunExhaustionProducesDegradedArtifact(t *testing.T) {
	b := mocks.NewMockBackendWithText("p1", "not json at all")
	e := newTestExecutor(t, 3, b)

	art := e.Run(context.Background(), testTask())

	require.NotNil(t, art)
	assert.True(t, art.Degraded)
	assert.Equal(t, 3, b.Calls())
	assert.Equal(t, "A", art.Answer)
	assert.Contains(t, art.Explanation, domain.ManualReviewMarker)
	assert.True(t, IsFlagged(art.Explanation))
	assert.Contains(t, art.Body, "> **Answer**: A")
	assert.NoError(t, art.Validate())
}

func TestRunDegradedWithoutReferenceAnswer(t *testing.T) {
	b := mocks.NewMockBackendWithError("p1", generation.ErrQuotaExhausted)
	e := newTestExecutor(t, 2, b)

	task := testTask()
	task.Payload.RawAnswer = ""
	art := e.Run(context.Background(), task)

	assert.True(t, art.Degraded)
	assert.Equal(t, "?", art.Answer)
	assert.Equal(t, 1, b.Calls())
	assert.Contains(t, art.Explanation, "LLM no response")
}

func TestRunStopsWhenNoProviderAnswers(t *testing.T) {
	p1 := mocks.NewMockBackendWithError("p1", errors.New("429 quota exceeded"))
	p2 := mocks.NewMockBackendWithError("p2", errors.New("connection reset by peer"))
	e := newTestExecutor(t, 3, p1, p2)

	art := e.Run(context.Background(), testTask())

	require.NotNil(t, art)
	assert.True(t, art.Degraded)
	assert.Equal(t, 1, p1.Calls(), "a failed provider walk is not repeated")
	assert.Equal(t, 1, p2.Calls())
	assert.Equal(t, 1, art.Attempts)
	assert.Equal(t, "A", art.Answer)
	assert.Contains(t, art.Explanation, "all providers exhausted")
	assert.True(t, IsFlagged(art.Explanation))
}

func TestRunStopsWhenNoProviderIsAvailable(t *testing.T) {
	b := mocks.NewMockBackend("p1", false)
	e := newTestExecutor(t, 3, b)

	art := e.Run(context.Background(), testTask())

	assert.True(t, art.Degraded)
	assert.Zero(t, b.Calls())
	assert.Equal(t, 1, art.Attempts)
	assert.Contains(t, art.Explanation, "no provider available")
}

func TestRunCancelledContextMakesNoCalls(t *testing.T) {
	b := mocks.NewMockBackendWithText("p1", validSolution)
	e := newTestExecutor(t, 3, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	art := e.Run(ctx, testTask())

	assert.True(t, art.Degraded)
	assert.Zero(t, b.Calls())
}

func TestRunNormalizesTaskText(t *testing.T) {
	b := mocks.NewMockBackendWithText("p1", validSolution)
	e := newTestExecutor(t, 1, b)

	task := testTask()
	task.Payload.Stem = "\uFEFFWhich   drug\u200B irreversibly inhibits cyclooxygenase?"
	art := e.Run(context.Background(), task)

	assert.Contains(t, art.Body, "### 7. Which drug irreversibly inhibits cyclooxygenase?")
	assert.Contains(t, b.Requests()[0], "Question:\nWhich drug irreversibly inhibits cyclooxygenase?")
}

func TestValidate(t *testing.T) {
	long := "The explanation is comfortably longer than twenty characters."

	tests := []struct {
		name       string
		sol        *domain.Solution
		reference  string
		wantOK     bool
		wantReason string
		wantAnswer string
		wantOrig   string
	}{
		{name: "nil", sol: nil, wantReason: "JSON is empty"},
		{
			name:       "empty answer",
			sol:        &domain.Solution{FinalExplanation: long},
			reference:  "A",
			wantReason: "final_answer is empty",
		},
		{
			name:       "letter outside alphabet",
			sol:        &domain.Solution{FinalAnswer: "F", FinalExplanation: long},
			reference:  "A",
			wantReason: "invalid options",
		},
		{
			name:       "letter not among options",
			sol:        &domain.Solution{FinalAnswer: "E", FinalExplanation: long},
			reference:  "A",
			wantReason: "non-existent options: E vs ABCD",
		},
		{
			name:       "short explanation",
			sol:        &domain.Solution{FinalAnswer: "A", FinalExplanation: "Because."},
			reference:  "A",
			wantReason: "too short",
		},
		{
			name:       "silent disagreement",
			sol:        &domain.Solution{FinalAnswer: "B", FinalExplanation: long},
			reference:  "A",
			wantReason: "differs from original",
		},
		{
			name: "acknowledged correction backfills original",
			sol: &domain.Solution{
				FinalAnswer:      "B",
				FinalExplanation: "(Original answer A appears incorrect, corrected to B) Ibuprofen is reversible.",
			},
			reference:  "A",
			wantOK:     true,
			wantAnswer: "B",
			wantOrig:   "A",
		},
		{
			name:       "interior whitespace rejected",
			sol:        &domain.Solution{FinalAnswer: " ca c", FinalExplanation: long},
			reference:  "AC",
			wantReason: "invalid options",
		},
		{
			name:       "sorts and de-duplicates",
			sol:        &domain.Solution{FinalAnswer: "cac", FinalExplanation: long},
			reference:  "AC",
			wantOK:     true,
			wantAnswer: "AC",
			wantOrig:   "AC",
		},
		{
			name:       "no reference skips consistency",
			sol:        &domain.Solution{FinalAnswer: "d", FinalExplanation: long},
			wantOK:     true,
			wantAnswer: "D",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := testTask()
			task.Payload.RawAnswer = tc.reference

			ok, reason := Validate(tc.sol, task, DefaultRules)

			assert.Equal(t, tc.wantOK, ok)
			if !tc.wantOK {
				assert.Contains(t, reason, tc.wantReason)
				return
			}
			assert.Empty(t, reason)
			assert.Equal(t, tc.wantAnswer, tc.sol.FinalAnswer)
			assert.Equal(t, tc.wantOrig, tc.sol.OriginalAnswer)
		})
	}
}

func TestValidateRejectionLeavesSolutionUntouched(t *testing.T) {
	sol := &domain.Solution{FinalAnswer: "b", FinalExplanation: "Long enough explanation without the magic words."}
	ok, _ := Validate(sol, testTask(), DefaultRules)
	assert.False(t, ok)
	assert.Equal(t, "b", sol.FinalAnswer)
	assert.Empty(t, sol.OriginalAnswer)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: validSolution, want: "A"},
		{name: "fenced", raw: "```json\n" + validSolution + "\n```", want: "A"},
		{name: "surrounded by prose", raw: "Here you go:\n" + validSolution + "\nHope it helps {really}.", want: "A"},
		{
			name: "braces inside strings",
			raw:  `Answer: {"final_answer": "C", "final_expl_markdown": "set {x} is closed } here"} done`,
			want: "C",
		},
		{name: "skips invalid fragment", raw: `noise {bad} then {"final_answer": "D"}`, want: "D"},
		{name: "array answer", raw: `{"final_answer": ["A", "C"]}`, want: "AC"},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "no object", raw: "The answer is B.", wantErr: true},
		{name: "unbalanced", raw: `{"final_answer": "A"`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sol, err := ExtractJSON(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, sol.FinalAnswer)
		})
	}
}

func TestIsFlagged(t *testing.T) {
	assert.True(t, IsFlagged("> OCR unclear, requires manual review"))
	assert.True(t, IsFlagged("Options missing from source"))
	assert.True(t, IsFlagged(strings.ToUpper(domain.ManualReviewMarker)))
	assert.False(t, IsFlagged("**Aspirin** acetylates COX-1."))
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := mocks.NewMockBackendWithText("p1", "not json at all")
	r, err := router.New([]generation.Backend{b}, config.RouterConfig{RetriesPerProvider: 1},
		setupTestLogger(), router.WithTracerProvider(tp))
	require.NoError(t, err)
	e, err := New(r, config.RepairConfig{MaxAttempts: 2, MinExplanationLength: 20, AnswerAlphabet: "ABCDE"},
		setupTestLogger(), WithTracerProvider(tp))
	require.NoError(t, err)

	art := e.Run(context.Background(), testTask())
	require.True(t, art.Degraded)

	var run sdktrace.ReadOnlySpan
	var routes []sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "repair.Run":
			run = s
		case "router.Route":
			routes = append(routes, s)
		}
	}
	require.NotNil(t, run)
	require.Len(t, routes, 2)
	for _, rs := range routes {
		assert.Equal(t, run.SpanContext().SpanID(), rs.Parent().SpanID(), "route spans nest under the task span")
	}

	attrs := map[string]any{}
	for _, kv := range run.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, true, attrs["repair.degraded"])
	assert.Equal(t, int64(2), attrs["repair.attempts"])
	assert.Equal(t, "ch01", attrs["task.group"])
}
