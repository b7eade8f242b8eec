// internal/browser/context_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type ctxKey string

const targetKey ctxKey = "target"

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("values come from the session context", func(t *testing.T) {
		sessionCtx := context.WithValue(context.Background(), targetKey, "tab-1")
		combined, cancel := CombineContext(sessionCtx, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(targetKey))
		assert.NoError(t, combined.Err())
	})

	t.Run("canceled by the session", func(t *testing.T) {
		sessionCtx, cancelSession := context.WithCancel(context.Background())
		combined, cancel := CombineContext(sessionCtx, context.Background())
		defer cancel()

		cancelSession()
		assert.Eventually(t, func() bool { return combined.Err() != nil }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("canceled by the operation", func(t *testing.T) {
		opCtx, cancelOp := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), opCtx)
		defer cancel()

		cancelOp()
		assert.Eventually(t, func() bool { return combined.Err() != nil }, time.Second, 5*time.Millisecond)
	})

	t.Run("operation deadline propagates as cancellation", func(t *testing.T) {
		opCtx, cancelOp := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelOp()
		combined, cancel := CombineContext(context.Background(), opCtx)
		defer cancel()

		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context outlived the operation deadline")
		}
	})

	t.Run("session deadline is inherited", func(t *testing.T) {
		deadline := time.Now().Add(time.Minute)
		sessionCtx, cancelSession := context.WithDeadline(context.Background(), deadline)
		defer cancelSession()
		combined, cancel := CombineContext(sessionCtx, context.Background())
		defer cancel()

		got, ok := combined.Deadline()
		require.True(t, ok)
		assert.True(t, got.Equal(deadline))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), targetKey, "tab-2"), time.Millisecond)
	defer cancel()
	<-parent.Done()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
	assert.Equal(t, "tab-2", detached.Value(targetKey))
}
