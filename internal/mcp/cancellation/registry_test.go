package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	notified := make(chan string, 1)

	r.Register(Request{
		ID:     "req-1",
		Server: "files",
		Tool:   "read_file",
		Cancel: cancel,
		Notify: func(reason string) { notified <- reason },
	})

	assert.False(t, r.IsCancelled("req-1"))
	require.True(t, r.Cancel("req-1", "user abort"))
	assert.True(t, r.IsCancelled("req-1"))

	<-ctx.Done()
	reason, ok := ReasonFrom(context.Cause(ctx))
	require.True(t, ok)
	assert.Equal(t, "user abort", reason)

	select {
	case got := <-notified:
		assert.Equal(t, "user abort", got)
	case <-time.After(time.Second):
		t.Fatal("server was not notified")
	}

	// Second cancel is a no-op.
	assert.False(t, r.Cancel("req-1", "again"))
	got, _ := r.Reason("req-1")
	assert.Equal(t, "user abort", got)
}

func TestRegistry_CancelAfterCleanupIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	r.Register(Request{ID: "done", Cancel: func(error) { called = true }})
	r.Cleanup("done")

	assert.False(t, r.Cancel("done", "late"))
	assert.False(t, called)
	assert.Empty(t, r.Pending())
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry(nil)
	var count int
	for _, id := range []string{"a", "b", "c"} {
		r.Register(Request{ID: id, Cancel: func(error) { count++ }})
	}
	r.Cancel("b", "first")

	assert.Equal(t, 2, r.CancelAll("shutdown"))
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, r.CancelAll("shutdown"))

	reason, ok := r.Reason("b")
	require.True(t, ok)
	assert.Equal(t, "first", reason)
}
