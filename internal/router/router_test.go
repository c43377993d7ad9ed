package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		RetriesPerProvider:  3,
		PrimaryProbeRetries: 2,
		RetryDelay:          0,
		RequestsPerRetry:    10,
		MinCooldown:         30 * time.Second,
		MaxCooldown:         30 * time.Minute,
		FallbackRetryDelay:  10 * time.Minute,
		QuotaKeywords:       generation.DefaultQuotaKeywords,
	}
}

func newTestRouter(t *testing.T, clock *fakeClock, backends ...generation.Backend) *Router {
	t.Helper()
	r, err := New(backends, testConfig(), setupTestLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	return r
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, testConfig(), setupTestLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	a := mocks.NewMockBackend("a", true)
	_, err = New([]generation.Backend{a, mocks.NewMockBackend("a", true)}, testConfig(), setupTestLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = New([]generation.Backend{a}, testConfig(), nil)
	assert.Error(t, err)

	r, err := New([]generation.Backend{a}, testConfig(), setupTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "a", r.Primary())
	assert.Equal(t, "a", r.Current())
}

func TestCooldown(t *testing.T) {
	min, max := 30*time.Second, 30*time.Minute
	assert.Equal(t, 30*time.Second, Cooldown(min, max, 0))
	assert.Equal(t, 60*time.Second, Cooldown(min, max, 1))
	assert.Equal(t, 16*time.Minute, Cooldown(min, max, 5))
	assert.Equal(t, 16*time.Minute, Cooldown(min, max, 50), "exponent is capped at 5")
	assert.Equal(t, 2*time.Minute, Cooldown(min, 2*time.Minute, 4), "never exceeds max")
	assert.Equal(t, 30*time.Second, Cooldown(min, max, -1))
}

func TestShouldRetryPrimaryMonotonicCooldown(t *testing.T) {
	for k := 1; k <= 7; k++ {
		clock := newFakeClock()
		r := newTestRouter(t, clock, mocks.NewMockBackend("p1", true), mocks.NewMockBackend("p2", true))
		cfg := testConfig()

		r.SwitchToFallback("p2")
		for i := 0; i < k; i++ {
			r.MarkPrimaryFailed()
		}
		// Enough fallback traffic that only the cooldown can hold the probe back.
		for i := 0; i < cfg.RequestsPerRetry; i++ {
			r.SwitchToFallback("p2")
		}

		cooldown := Cooldown(cfg.MinCooldown, cfg.MaxCooldown, k)
		assert.LessOrEqual(t, cooldown, cfg.MaxCooldown)

		base := clock.Now()
		for _, elapsed := range []time.Duration{0, time.Second, cooldown / 2, cooldown - time.Nanosecond} {
			r.now = func() time.Time { return base.Add(elapsed) }
			assert.False(t, r.ShouldRetryPrimary(), "k=%d elapsed=%s", k, elapsed)
		}
		r.now = func() time.Time { return base.Add(cooldown) }
		assert.True(t, r.ShouldRetryPrimary(), "k=%d at cooldown", k)
	}
}

func TestShouldRetryPrimaryConditions(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, mocks.NewMockBackend("p1", true), mocks.NewMockBackend("p2", true))

	assert.False(t, r.ShouldRetryPrimary(), "never while on the primary")

	r.SwitchToFallback("p2")
	assert.False(t, r.ShouldRetryPrimary())

	for i := 0; i < 9; i++ {
		r.SwitchToFallback("p2")
	}
	assert.True(t, r.ShouldRetryPrimary(), "request-count trigger")

	r.MarkPrimaryFailed()
	assert.False(t, r.ShouldRetryPrimary(), "counter reset and cooldown active")

	clock.Advance(Cooldown(30*time.Second, 30*time.Minute, 1))
	assert.False(t, r.ShouldRetryPrimary(), "cooldown over but neither trigger met")

	clock.Advance(10 * time.Minute)
	assert.True(t, r.ShouldRetryPrimary(), "time-since-fallback trigger")

	r.MarkPrimarySuccess()
	s := r.Snapshot()
	assert.Equal(t, State{Current: "p1"}, s)
}

func TestSwitchToFallbackRecordsFirstSwitchOnly(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock,
		mocks.NewMockBackend("p1", true), mocks.NewMockBackend("p2", true), mocks.NewMockBackend("p3", true))

	r.SwitchToFallback("p2")
	started := r.Snapshot().FallbackStartedAt
	assert.Equal(t, clock.Now(), started)

	clock.Advance(time.Minute)
	r.SwitchToFallback("p3")
	s := r.Snapshot()
	assert.Equal(t, "p3", s.Current)
	assert.Equal(t, started, s.FallbackStartedAt)
	assert.Equal(t, 2, s.RequestsSinceFallback)
}

func TestMarkPrimaryFailedTimestampsOnlyMoveForward(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, mocks.NewMockBackend("p1", true), mocks.NewMockBackend("p2", true))

	r.MarkPrimaryFailed()
	first := r.Snapshot().LastPrimaryProbeAt

	clock.Advance(-time.Hour)
	r.MarkPrimaryFailed()
	s := r.Snapshot()
	assert.Equal(t, first, s.LastPrimaryProbeAt)
	assert.Equal(t, 2, s.PrimaryFailureCount)
	assert.Equal(t, "p1", s.Current, "a failed probe never changes the current provider")
}

func TestCandidatesAndSelect(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackend("p1", true)
	p2 := mocks.NewMockBackend("p2", false)
	p3 := mocks.NewMockBackend("p3", true)
	r := newTestRouter(t, clock, p1, p2, p3)

	names := func(bs []generation.Backend) []string {
		out := make([]string, 0, len(bs))
		for _, b := range bs {
			out = append(out, b.Descriptor().Name)
		}
		return out
	}

	assert.Equal(t, []string{"p1", "p3"}, names(r.Candidates()))

	r.SwitchToFallback("p3")
	assert.Equal(t, []string{"p3", "p1"}, names(r.Candidates()))
	assert.Equal(t, []string{"p1"}, names(r.Candidates("p2", "p1", "unknown", "p1")))

	b, err := r.Select()
	require.NoError(t, err)
	assert.Equal(t, "p3", b.Descriptor().Name)

	_, err = r.Select("p2")
	assert.ErrorIs(t, err, generation.ErrNoProviderAvailable)
}

func TestRouteFailoverFromUnavailablePrimary(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackend("p1", false)
	p2 := mocks.NewMockBackendWithText("p2", "answer from p2")
	r := newTestRouter(t, clock, p1, p2)

	res, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "answer from p2", Provider: "p2"}, res)
	assert.Equal(t, "p2", r.Current())

	res, err = r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 0, p1.Calls(), "an unavailable backend is never called")
	assert.Equal(t, 2, p2.Calls())
}

func TestRouteQuotaFailsOverWithoutRetry(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithError("p1", errors.New("openai http 429: insufficient_quota"))
	p2 := mocks.NewMockBackendWithText("p2", "ok")
	r := newTestRouter(t, clock, p1, p2)

	res, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 1, p1.Calls(), "quota is not retried on the same backend")

	s := r.Snapshot()
	assert.Equal(t, "p2", s.Current)
	assert.Equal(t, clock.Now(), s.FallbackStartedAt)
	assert.Equal(t, 1, s.RequestsSinceFallback)
}

func TestRouteRetriesTransportFailures(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithError("p1", errors.New("connection reset"))
	p2 := mocks.NewMockBackendWithText("p2", "ok")
	r := newTestRouter(t, clock, p1, p2)

	res, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 3, p1.Calls())
}

func TestExecuteRecoversWithinRetryBudget(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackend("p1", true)
	p1.Responses = []mocks.Response{{Err: errors.New("503")}, {Err: errors.New("503")}, {Text: "third time"}}
	r := newTestRouter(t, clock, p1)

	text, err := r.Execute(context.Background(), p1, "q", 3)
	require.NoError(t, err)
	assert.Equal(t, "third time", text)
	assert.Equal(t, 3, p1.Calls())
}

func TestExecuteTransportFailure(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("boom")
	p1 := mocks.NewMockBackendWithError("p1", boom)
	r := newTestRouter(t, clock, p1)

	_, err := r.Execute(context.Background(), p1, "q", 2)
	assert.ErrorIs(t, err, generation.ErrTransportFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, p1.Calls())
}

func TestExecuteLinearDelay(t *testing.T) {
	p1 := mocks.NewMockBackendWithError("p1", errors.New("boom"))
	cfg := testConfig()
	cfg.RetryDelay = 15 * time.Millisecond
	r, err := New([]generation.Backend{p1}, cfg, setupTestLogger())
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Execute(context.Background(), p1, "q", 3)
	require.Error(t, err)
	// 15ms after the first attempt, 30ms after the second.
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestExecuteHonoursLimiter(t *testing.T) {
	p1 := mocks.NewMockBackendWithText("p1", "ok")
	limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)
	r, err := New([]generation.Backend{p1}, testConfig(), setupTestLogger(), WithLimiter("p1", limiter))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), p1, "q", 1)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRouteAllProvidersExhausted(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithError("p1", errors.New("quota exceeded"))
	p2 := mocks.NewMockBackendWithError("p2", errors.New("Your credit balance is too low"))
	r := newTestRouter(t, clock, p1, p2)

	_, err := r.Route(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, generation.ErrQuotaExhausted)
	assert.Equal(t, "p1", r.Current(), "failed calls never switch provider")
}

func TestRouteNoProviderAvailable(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, mocks.NewMockBackend("p1", false), mocks.NewMockBackend("p2", false))

	_, err := r.Route(context.Background(), "q")
	assert.ErrorIs(t, err, generation.ErrNoProviderAvailable)
}

func TestRouteRestoresPrimaryAfterFallbackDelay(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackend("p1", true)
	p1.Responses = []mocks.Response{{Err: errors.New("429 rate_limit")}, {Text: "primary back"}}
	p2 := mocks.NewMockBackendWithText("p2", "fallback")
	r := newTestRouter(t, clock, p1, p2)

	res, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)

	clock.Advance(10*time.Minute + time.Second)
	res, err = r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "primary back", Provider: "p1"}, res)
	assert.Equal(t, State{Current: "p1"}, r.Snapshot())
}

func TestRouteFailedProbeFallsBack(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithError("p1", errors.New("service unavailable"))
	p2 := mocks.NewMockBackendWithText("p2", "fallback")
	r := newTestRouter(t, clock, p1, p2)

	_, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, 3, p1.Calls())

	clock.Advance(11 * time.Minute)
	res, err := r.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 5, p1.Calls(), "probe uses the smaller probe budget and is not repeated")

	s := r.Snapshot()
	assert.Equal(t, 1, s.PrimaryFailureCount)
	assert.Equal(t, clock.Now(), s.LastPrimaryProbeAt)
	assert.Equal(t, "p2", s.Current)
	assert.False(t, r.ShouldRetryPrimary(), "cooldown follows a failed probe")
}

func TestRouteConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithError("p1", errors.New("quota"))
	p2 := mocks.NewMockBackendWithText("p2", "ok")
	r := newTestRouter(t, clock, p1, p2)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Route(context.Background(), "q")
			assert.NoError(t, err)
			assert.Equal(t, "p2", res.Provider)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, p2.Calls())
	assert.Equal(t, "p2", r.Current())
}

func TestRouteCancelledContext(t *testing.T) {
	clock := newFakeClock()
	p1 := mocks.NewMockBackendWithText("p1", "ok")
	r := newTestRouter(t, clock, p1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p1.Calls())
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRouteRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p1 := mocks.NewMockBackend("p1", false)
	p2 := mocks.NewMockBackendWithText("p2", "answer")
	r, err := New([]generation.Backend{p1, p2}, testConfig(), setupTestLogger(),
		WithClock(newFakeClock().Now), WithTracerProvider(tp))
	require.NoError(t, err)

	_, err = r.Route(context.Background(), "q")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "router.Route", spans[0].Name())
	provider, ok := spanAttr(spans[0], "provider")
	require.True(t, ok, "span carries the serving provider")
	assert.Equal(t, "p2", provider.AsString())
}

func TestRouteSpanMarksExhaustion(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p1 := mocks.NewMockBackendWithError("p1", errors.New("quota exceeded"))
	r, err := New([]generation.Backend{p1}, testConfig(), setupTestLogger(), WithTracerProvider(tp))
	require.NoError(t, err)

	_, err = r.Route(context.Background(), "q")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "all providers exhausted", spans[0].Status().Description)
}
