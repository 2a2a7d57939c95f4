package capture

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesChunks(t *testing.T) {
	sink := NewFileSink(t.TempDir(), nil)

	_, err := sink.Write([]byte("early"))
	assert.ErrorIs(t, err, ErrNotCapturing)

	require.NoError(t, sink.Start(context.Background()))
	assert.True(t, sink.Active())
	assert.Error(t, sink.Start(context.Background()), "second start is refused")

	_, err = sink.Write([]byte("chunk-1,"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("chunk-2"))
	require.NoError(t, err)

	path, err := sink.Stop()
	require.NoError(t, err)
	assert.False(t, sink.Active())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1,chunk-2", string(data))
}

func TestFileSinkWithoutDataIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, nil)

	require.NoError(t, sink.Start(context.Background()))
	path, err := sink.Stop()
	assert.ErrorIs(t, err, ErrNoVideo)
	assert.Empty(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = sink.Stop()
	assert.ErrorIs(t, err, ErrNotCapturing)
}

func TestFileSinkHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewFileSink(t.TempDir(), nil)
	assert.ErrorIs(t, sink.Start(ctx), context.Canceled)
	assert.False(t, sink.Active())
}
