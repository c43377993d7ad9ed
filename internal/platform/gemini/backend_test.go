package gemini

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	prompt   string
	deadline bool
}

func (f *fakeModels) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	_, f.deadline = ctx.Deadline()
	return f.resp, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func newTestBackend(t *testing.T, models *fakeModels) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), "gemini",
		config.ProviderConfig{Kind: "gemini", Model: "gemini-1.5-pro", Timeout: time.Minute},
		testLogger(), WithContentGenerator(models))
	require.NoError(t, err)
	return b
}

func TestNewBackendValidation(t *testing.T) {
	_, err := NewBackend(context.Background(), "gemini", config.ProviderConfig{Model: "m"}, nil)
	assert.Error(t, err)

	_, err = NewBackend(context.Background(), "gemini", config.ProviderConfig{}, testLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestBackendWithoutKeyIsUnavailable(t *testing.T) {
	b, err := NewBackend(context.Background(), "gemini", config.ProviderConfig{Model: "gemini-1.5-pro"}, testLogger())
	require.NoError(t, err)

	d := b.Descriptor()
	assert.False(t, d.Available())
	assert.Equal(t, "gemini:gemini-1.5-pro", d.Endpoint)

	_, err = b.Call(context.Background(), "hello")
	assert.ErrorIs(t, err, generation.ErrUnavailable)
}

func TestCallJoinsTextParts(t *testing.T) {
	models := &fakeModels{resp: textResponse(`{"final_answer":`, ` "A"}`)}
	b := newTestBackend(t, models)

	text, err := b.Call(context.Background(), "solve this")
	require.NoError(t, err)
	assert.Equal(t, `{"final_answer": "A"}`, text)
	assert.Equal(t, "gemini-1.5-pro", models.model)
	assert.Equal(t, "solve this", models.prompt)
	assert.True(t, models.deadline, "configured timeout should bound the call")
	assert.True(t, b.Descriptor().Available())
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name   string
		models *fakeModels
		target error
	}{
		{"transport", &fakeModels{err: errors.New("Error 429, RESOURCE_EXHAUSTED")}, nil},
		{"no candidates", &fakeModels{resp: &genai.GenerateContentResponse{}}, generation.ErrInvalidResponse},
		{"safety", &fakeModels{resp: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		}}, generation.ErrContentBlocked},
		{"blank text", &fakeModels{resp: textResponse("  ")}, generation.ErrInvalidResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, tc.models)
			_, err := b.Call(context.Background(), "p")
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}

	// Quota text must survive wrapping so the classifier can see it.
	b := newTestBackend(t, &fakeModels{err: errors.New("Error 429, RESOURCE_EXHAUSTED")})
	_, err := b.Call(context.Background(), "p")
	assert.Equal(t, generation.OutcomeQuota, generation.NewClassifier(nil).Classify(err))
}
