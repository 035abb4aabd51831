package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/config/provider"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "datalens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
llm:
  provider: mock
server:
  port: 9191
`)

	source, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	loader := NewLoader(source)
	defer func() { _ = loader.Close() }()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "mock", cfg.LLM.Provider)
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "llm: [unclosed")

	source, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	loader := NewLoader(source)
	defer func() { _ = loader.Close() }()

	_, err = loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoader_LoadValidationFailure(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
llm:
  provider: watson
`)

	source, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	loader := NewLoader(source)
	defer func() { _ = loader.Close() }()

	_, err = loader.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported llm provider")
}

func TestLoader_MissingFile(t *testing.T) {
	source, err := provider.NewFileProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	loader := NewLoader(source)
	defer func() { _ = loader.Close() }()

	_, err = loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
llm:
  provider: mock
server:
  port: 9000
`)

	source, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	loader := NewLoader(source, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	defer func() { _ = loader.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	// Give the watcher time to attach before the write.
	time.Sleep(300 * time.Millisecond)
	writeConfig(t, dir, `
llm:
  provider: mock
server:
  port: 9001
`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9001, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestLoader_WatchIgnoresBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
llm:
  provider: mock
`)

	source, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	loader := NewLoader(source, WithOnChange(func(cfg *Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	}))
	defer func() { _ = loader.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	time.Sleep(300 * time.Millisecond)
	// A config that fails validation must not reach onChange.
	writeConfig(t, dir, `
llm:
  provider: watson
`)

	select {
	case <-called:
		t.Fatal("invalid config should not trigger onChange")
	case <-time.After(1 * time.Second):
	}
}
