package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/testutil"
)

func TestRegistry_StartRejectsDuplicate(t *testing.T) {
	r := NewRegistry()

	_, _, release, err := r.Start(context.Background(), "job-1")
	require.NoError(t, err)

	_, _, _, err = r.Start(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	release()
	assert.False(t, r.Running("job-1"))

	_, _, release, err = r.Start(context.Background(), "job-1")
	require.NoError(t, err)
	release()
}

func TestRegistry_CancelCarriesCause(t *testing.T) {
	r := NewRegistry()
	ctx, _, release, err := r.Start(context.Background(), "job-1")
	require.NoError(t, err)
	defer release()

	assert.True(t, r.Cancel("job-1", ErrCanceled))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrCanceled)

	assert.False(t, r.Cancel("job-2", ErrCanceled))
}

func TestRegistry_WakeNeverBlocks(t *testing.T) {
	r := NewRegistry()
	_, wake, release, err := r.Start(context.Background(), "job-1")
	require.NoError(t, err)
	defer release()

	assert.True(t, r.Wake("job-1"))
	assert.True(t, r.Wake("job-1"))
	assert.Len(t, wake, 1)
	assert.False(t, r.Wake("job-2"))
	assert.Equal(t, 1, r.Len())
}

func TestLocalDispatcher_RecoversPanickingUnit(t *testing.T) {
	d := NewLocalDispatcher(context.Background(), NewRegistry(), testutil.Logger(t))
	d.Bind(func(ctx context.Context, id string) error { panic("boom") }, nil)

	require.NoError(t, d.DispatchJob(context.Background(), "job-1"))
	d.Wait()

	assert.Error(t, d.DispatchPipeline(context.Background(), "p-1"))
}

func TestProtect(t *testing.T) {
	err := protect(func() error {
		var m map[string]int
		m["x"]++
		return nil
	})
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "internal error", err.Error())
	assert.NotEmpty(t, panicErr.Stack)

	assert.NoError(t, protect(func() error { return nil }))
}
