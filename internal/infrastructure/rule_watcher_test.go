package infrastructure

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRuleWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte("a.example.com\n"), 0600))

	var reloads atomic.Int32
	w, err := NewRuleWatcher(path, 50*time.Millisecond, func(context.Context) { reloads.Add(1) }, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("b.example.com\n"), 0600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestRuleWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewRuleWatcher(filepath.Join(t.TempDir(), "rules.txt"), 0, func(context.Context) {}, zap.NewNop())
	require.NoError(t, err)
	assert.NotPanics(t, w.Stop)
}
