package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, DefaultAMQPURL, cfg.AMQPURL)
		assert.Equal(t, DefaultReplyMaxAge, cfg.ReplyMaxAge)
		assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
		assert.Equal(t, "mmate.requests", cfg.RequestQueue)
		assert.Equal(t, "mmate.replies", cfg.ReplyQueue)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("MMATE_SERVICE_NAME", "orders")
		t.Setenv("MMATE_REPLY_MAX_AGE", "3s")
		t.Setenv("MMATE_PREFETCH_COUNT", "50")
		t.Setenv("MMATE_LOG_LEVEL", "debug")

		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, "orders", cfg.ServiceName)
		assert.Equal(t, "orders.replies", cfg.ReplyQueue)
		assert.Equal(t, 3*time.Second, cfg.ReplyMaxAge)
		assert.Equal(t, 50, cfg.PrefetchCount)
		level, err := cfg.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, slog.LevelDebug, level)
	})

	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("MMATE_SWEEP_INTERVAL", "often")
		_, err := FromEnv()
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	t.Run("yaml over defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
service_name: inventory
reply_queue: inventory.callbacks
reply_max_age: 5s
sweep_interval: 1s
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "inventory", cfg.ServiceName)
		assert.Equal(t, "inventory.requests", cfg.RequestQueue)
		assert.Equal(t, "inventory.callbacks", cfg.ReplyQueue)
		assert.Equal(t, 5*time.Second, cfg.ReplyMaxAge)
		assert.Equal(t, time.Second, cfg.SweepInterval)
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	})

	t.Run("environment wins over yaml", func(t *testing.T) {
		t.Setenv("MMATE_REPLY_MAX_AGE", "7s")
		path := writeConfig(t, t.TempDir(), "reply_max_age: 5s\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, cfg.ReplyMaxAge)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "reply_max_age: [")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.RequestQueue = "a.requests"
	cfg.ReplyQueue = "a.replies"
	require.NoError(t, cfg.Validate())

	cfg.AMQPURL = ""
	cfg.ReplyMaxAge = 0
	cfg.SweepInterval = -time.Second
	cfg.PrefetchCount = -1
	cfg.LogLevel = "loud"
	cfg.ReplyQueue = cfg.RequestQueue

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"amqp_url", "reply_max_age", "sweep_interval", "prefetch_count", "log_level", "must differ"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "reply_max_age: 5s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg })
	}()

	// an invalid file never reaches onChange
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var got *Config
	for got == nil {
		select {
		case cfg := <-changes:
			if cfg.ReplyMaxAge == 2*time.Second {
				got = cfg
			}
		case <-ticker.C:
			require.NoError(t, os.WriteFile(path, []byte("reply_max_age: -1s\n"), 0o600))
			require.NoError(t, os.WriteFile(path, []byte("reply_max_age: 2s\n"), 0o600))
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	assert.Equal(t, 2*time.Second, got.ReplyMaxAge)

	cancel()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatchRenameOverFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "reply_max_age: 5s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	go func() {
		_ = Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()

	// editors write a sibling file and rename it over the original
	save := func(content string) {
		tmp := filepath.Join(dir, ".mmate.yaml.swp")
		require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
		require.NoError(t, os.Rename(tmp, path))
	}

	waitFor := func(want time.Duration, content string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case cfg := <-changes:
				if cfg.ReplyMaxAge == want {
					return
				}
			case <-ticker.C:
				save(content)
			case <-deadline:
				t.Fatalf("reply_max_age %s not observed", want)
			}
		}
	}

	// the second save proves the watch survives the first replacement
	waitFor(2*time.Second, "reply_max_age: 2s\n")
	waitFor(7*time.Second, "reply_max_age: 7s\n")
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "reply_max_age: 5s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	go func() {
		_ = Watch(ctx, path, nil, func(cfg *Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for observed := false; !observed; {
		select {
		case cfg := <-changes:
			// only the watched file is ever loaded
			assert.Equal(t, 3*time.Second, cfg.ReplyMaxAge)
			observed = true
		case <-ticker.C:
			require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("reply_max_age: 9s\n"), 0o600))
			require.NoError(t, os.WriteFile(path, []byte("reply_max_age: 3s\n"), 0o600))
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
