package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Evaluation.MinScore)
	assert.Equal(t, 3, cfg.Evaluation.MaxRetries)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.Equal(t, 10, cfg.ResultWindow())
	assert.Equal(t, 10*time.Second, cfg.Search.ProviderTimeout)
	assert.Equal(t, 3, cfg.Trigger.MessageWindow)
	assert.Equal(t, DefaultTriggerPhrases, cfg.Trigger.Phrases)
	assert.Equal(t, 100, cfg.Guardrails.MinLength)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
evaluation:
  min_score: 4
  max_retries: 1
search:
  top_k: 3
  window_multiplier: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Evaluation.MinScore)
	assert.Equal(t, 1, cfg.Evaluation.MaxRetries)
	assert.Equal(t, 9, cfg.ResultWindow())
	// untouched keys keep defaults
	assert.Equal(t, 10*time.Second, cfg.Search.ProviderTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("evaluation:\n  min_score: 9\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_score")
}

func TestLoadTriggerPhrasesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phrases.yaml")
	data := []byte("trigger_phrases:\n  - \"let me dig in\"\n  - \"   \"\n  - \"hold on\"\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	phrases, err := LoadTriggerPhrases(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"let me dig in", "hold on"}, phrases)
}

func TestLoadTriggerPhrasesEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phrases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trigger_phrases: []\n"), 0o644))

	_, err := LoadTriggerPhrases(path)
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("evaluation:\n  min_score: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, zap.NewNop())
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(next *Config) {
		select {
		case reloaded <- next:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a beat to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("evaluation:\n  min_score: 4\n"), 0o644))

	select {
	case next := <-reloaded:
		assert.Equal(t, 4, next.Evaluation.MinScore)
		assert.Equal(t, 4, w.Current().Evaluation.MinScore)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("evaluation:\n  min_score: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	// min_score outside 1..5 fails validation; the watcher must keep the
	// last good config.
	require.NoError(t, os.WriteFile(path, []byte("evaluation:\n  min_score: 9\n"), 0o644))

	assert.Eventually(t, func() bool {
		return w.Current().Evaluation.MinScore == 3
	}, 2*time.Second, 50*time.Millisecond)
	assert.Equal(t, 3, w.Current().Evaluation.MinScore)
}
