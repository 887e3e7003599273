package deadletter

import (
	"context"
	"testing"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		code      errcode.Code
		retryable bool
		want      Reason
	}{
		{errcode.IOError, true, RetriesExhausted},
		{errcode.GeneralError, false, NonRetryable},
		{errcode.Timeout, true, Timeout},
		{errcode.ValidationError, false, InvalidData},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.code, tt.retryable))
		})
	}
}

func TestQueue_AddGetUnresolved(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	in := stagectx.New(nil, map[string]any{"obs": "x"}, stagectx.Metadata{})

	first, err := q.Add(ctx, Entry{Stage: "ingest", Reason: RetriesExhausted, Code: errcode.IOError, Attempts: 3, Context: in})
	require.NoError(t, err)
	second, err := q.Add(ctx, Entry{Stage: "image", Reason: NonRetryable, Code: errcode.GeneralError, Attempts: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	e, err := q.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "ingest", e.Stage)
	assert.Equal(t, 3, e.Attempts)
	assert.False(t, e.CreatedAt.IsZero())
	obs, _ := e.Context.Input("obs")
	assert.Equal(t, "x", obs)

	all, err := q.Unresolved(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID, "newest entry comes first")
	assert.Equal(t, first, all[1].ID)

	byReason, err := q.Unresolved(ctx, Filter{Reason: RetriesExhausted})
	require.NoError(t, err)
	require.Len(t, byReason, 1)
	assert.Equal(t, first, byReason[0].ID)

	limited, err := q.Unresolved(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ResolveAndRequeue(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	a, err := q.Add(ctx, Entry{Stage: "a", Reason: RetriesExhausted})
	require.NoError(t, err)
	b, err := q.Add(ctx, Entry{Stage: "b", Reason: Timeout})
	require.NoError(t, err)

	ok, err := q.Resolve(ctx, a, "operator", "disk replaced")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Resolve(ctx, a, "operator", "")
	require.NoError(t, err)
	assert.False(t, ok, "already resolved")

	e, err := q.Get(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, e.Resolution)
	assert.Equal(t, "operator", e.Resolution.By)
	assert.Equal(t, "disk replaced", e.Resolution.Notes)

	requeued, err := q.Requeue(ctx, b, "")
	require.NoError(t, err)
	assert.Equal(t, "b", requeued.Stage)
	_, err = q.Requeue(ctx, b, "")
	assert.Error(t, err)

	open, err := q.Unresolved(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, open)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Resolved: 2, ByReason: map[Reason]int{}}, stats)

	_, err = q.Resolve(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, err := Open(dir)
	require.NoError(t, err)
	id, err := q.Add(ctx, Entry{Stage: "s", Reason: NonRetryable})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = Open(dir)
	require.NoError(t, err)
	defer q.Close()
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unresolved)
	assert.Equal(t, map[Reason]int{NonRetryable: 1}, stats.ByReason)
	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s", e.Stage)
}
