package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup_FirstSeenReturnsFalse(t *testing.T) {
	d := NewDedup(16, nil)

	seen, err := d.CheckAndMark(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDedup_SecondCheckWithinWindowReturnsTrue(t *testing.T) {
	d := NewDedup(16, nil)
	ctx := context.Background()

	_, err := d.CheckAndMark(ctx, "fp-1")
	require.NoError(t, err)

	seen, err := d.CheckAndMark(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestDedup_EvictsOldestPastCapacity(t *testing.T) {
	d := NewDedup(2, nil)
	ctx := context.Background()

	_, _ = d.CheckAndMark(ctx, "fp-1")
	_, _ = d.CheckAndMark(ctx, "fp-2")
	_, _ = d.CheckAndMark(ctx, "fp-3") // evicts fp-1

	assert.Len(t, d.index, 2)
	_, stillTracked := d.index["fp-1"]
	assert.False(t, stillTracked)
}

func TestDedup_ConsultsRemoteWhenLocalMiss(t *testing.T) {
	remote := NewInMemoryDistributedDedup()
	ctx := context.Background()
	require.NoError(t, remote.MarkSeen(ctx, "fp-1", DefaultCoalesceWindow))

	d := NewDedup(16, remote)
	seen, err := d.CheckAndMark(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestDedup_MarksRemoteWhenNotSeen(t *testing.T) {
	remote := NewInMemoryDistributedDedup()
	ctx := context.Background()
	dd := NewDedup(16, remote)

	seen, err := dd.CheckAndMark(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, seen)

	remoteSeen, err := remote.SeenRecently(ctx, "fp-1", DefaultCoalesceWindow)
	require.NoError(t, err)
	assert.True(t, remoteSeen)
}
