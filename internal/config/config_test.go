package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	require.Equal(t, "mongo", cfg.Store.Backend)
	require.Equal(t, "redis", cfg.Lock.Backend)
	require.Equal(t, 20*time.Second, cfg.Schedule.UpdateSubscriptionInterval)
	require.Equal(t, 20*time.Second, cfg.Schedule.RunSubscriptionInterval)
	require.Equal(t, time.Hour, cfg.Schedule.HandleUninstallRestInterval)
	require.Equal(t, 50, cfg.Schedule.MaxRunSubscriptionTaskCount)
	require.Equal(t, 6*time.Hour, cfg.SubscriptionDeleteWindow())
	require.Equal(t, "node_man:backend:update_subscription", cfg.Queue.UpdateKey)
	require.Equal(t, "node_man:backend:run_subscription", cfg.Queue.RunKey)
}

func TestParse_RunIntervalFollowsUpdateInterval(t *testing.T) {
	cfg, err := Parse([]byte("schedule:\n  update_subscription_interval: 5s\n"))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Schedule.RunSubscriptionInterval)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("POSTGRES_DSN", "postgres://nodeman@db/nodeman")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("WHITELIST_IPS", "10.0.0.0/8,127.0.0.1")

	cfg, err := Parse([]byte("store:\n  backend: postgres\n"))
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, "postgres://nodeman@db/nodeman", cfg.Postgres.DSN)
	require.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	require.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.API.WhitelistIPs)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown store", "store:\n  backend: sqlite\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"unknown lock", "lock:\n  backend: etcd\n"},
		{"negative batch", "schedule:\n  max_run_subscription_task_count: -1\n"},
		{"telegram without token", "telegram:\n  enabled: true\n"},
		{"lease shorter than renew", "election:\n  enabled: true\n  lease_duration: 5s\n  renew_deadline: 10s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nschedule:\n  subscription_delete_hours: 2\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, cfg.SubscriptionDeleteWindow())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
