package mocks_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/mocks"
	"github.com/stretchr/testify/assert"
)

func TestMockBackendScript(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	b := mocks.NewMockBackend("p", true)
	b.Responses = []mocks.Response{{Err: boom}, {Text: "ok"}}
	ctx := context.Background()

	_, err := b.Call(ctx, "r1")
	assert.ErrorIs(t, err, boom)

	text, err := b.Call(ctx, "r2")
	assert.NoError(t, err)
	assert.Equal(t, "ok", text)

	text, _ = b.Call(ctx, "r3")
	assert.Equal(t, "ok", text, "last response repeats")

	assert.Equal(t, 3, b.Calls())
	assert.Equal(t, []string{"r1", "r2", "r3"}, b.Requests())

	b.Reset()
	assert.Zero(t, b.Calls())
}

func TestMockBackendUnavailable(t *testing.T) {
	t.Parallel()

	b := mocks.NewMockBackend("p", false)
	_, err := b.Call(context.Background(), "r")
	assert.ErrorIs(t, err, generation.ErrUnavailable)
	assert.False(t, b.Descriptor().Available())
}

func TestMockBackendConcurrent(t *testing.T) {
	t.Parallel()

	b := mocks.NewMockBackend("p", true)
	b.CallFn = func(_ context.Context, n int, _ string) (string, error) {
		return "x", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Call(context.Background(), "r")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Calls())
}
