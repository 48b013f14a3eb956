package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestParseAppliesDefaults 验证空配置得到文档约定的默认值。
func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	require.Equal(t, RoleHost, cfg.Role)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, 10*time.Second, cfg.RFSN.Timeout)
	require.Equal(t, 64<<10, cfg.RFSN.MaxRequestBytes)
	require.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	require.Equal(t, 4, *cfg.Scheduler.BacklogDepth)
	require.Equal(t, 3, *cfg.Scheduler.MaxRetries)
	require.Equal(t, 200*time.Millisecond, cfg.Scheduler.BackoffInitial)
	require.Equal(t, 5*time.Second, cfg.Scheduler.BackoffMax)
	require.Equal(t, 2*time.Second, cfg.Replication.ResyncWait)
	require.Equal(t, TransportWebSocket, cfg.Replication.Transport)
	require.Equal(t, 8, *cfg.Behavior.HistoryTurns)
	require.True(t, *cfg.Behavior.SupersedeInFlight)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
}

// TestParseKeepsExplicitZero 验证显式配置的 0 不会被默认值覆盖。
// 场景：backlog_depth=0 表示新请求直接取代在途请求，max_retries=0 表示不重试。
func TestParseKeepsExplicitZero(t *testing.T) {
	cfg, err := Parse([]byte(`
scheduler:
  backlog_depth: 0
  max_retries: 0
behavior:
  history_turns: 0
  supersede_in_flight: false
`))
	require.NoError(t, err)
	require.Equal(t, 0, *cfg.Scheduler.BacklogDepth)
	require.Equal(t, 0, *cfg.Scheduler.MaxRetries)
	require.Equal(t, 0, *cfg.Behavior.HistoryTurns)
	require.False(t, *cfg.Behavior.SupersedeInFlight)
}

// TestEnvOverridesFile 验证环境变量覆盖文件中的值，未设置的环境变量不影响文件值。
func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RFSN_API_KEY", "from-env")
	t.Setenv("ISLAND_RESYNC_WAIT", "750ms")
	t.Setenv("ISLAND_BACKLOG_DEPTH", "0")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: peer
rfsn:
  base_url: http://dialogue:9000
  api_key: from-file
replication:
  host_url: ws://host:8080/ws/replication
voices:
  merchant:
    voice_reference: voices/merchant.wav
    emotion: joy
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RolePeer, cfg.Role)
	require.Equal(t, "from-env", cfg.RFSN.APIKey)
	require.Equal(t, "http://dialogue:9000", cfg.RFSN.BaseURL)
	require.Equal(t, 750*time.Millisecond, cfg.Replication.ResyncWait)
	require.Equal(t, 0, *cfg.Scheduler.BacklogDepth)
	require.Equal(t, "voices/merchant.wav", cfg.Voices["merchant"].VoiceReference)
}

// TestValidateRejectsBadConfig 验证缺失的必填项与非法取值被一并报告。
func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"role":      "role: observer",
		"transport": "replication:\n  transport: carrier-pigeon",
		"peer url":  "role: peer",
		"zmq host":  "replication:\n  transport: zmq",
		"sqlite":    "storage:\n  backend: sqlite",
		"dynamo":    "storage:\n  backend: dynamodb",
		"backoff":   "scheduler:\n  backoff_initial: 10s\n  backoff_max: 1s",
		"retries":   "scheduler:\n  max_retries: -1",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

type fakeGetter struct {
	values map[string]string
	asked  []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.asked = append(f.asked, name)
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

// TestResolveSecrets 验证只有未直接配置的密钥才会从参数存储读取。
func TestResolveSecrets(t *testing.T) {
	cfg, err := Parse([]byte(`
rfsn:
  api_key_param: /island/rfsn-key
replication:
  join_secret: inline
  join_secret_param: /island/join
`))
	require.NoError(t, err)
	require.True(t, cfg.NeedsParameters())

	getter := &fakeGetter{values: map[string]string{"/island/rfsn-key": " sk-123\n"}}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), getter))
	require.Equal(t, "sk-123", cfg.RFSN.APIKey)
	require.Equal(t, "inline", cfg.Replication.JoinSecret)
	require.Equal(t, []string{"/island/rfsn-key"}, getter.asked)
	require.False(t, cfg.NeedsParameters())

	cfg.RFSN.APIKey = ""
	require.Error(t, cfg.ResolveSecrets(context.Background(), nil))
	require.ErrorContains(t, cfg.ResolveSecrets(context.Background(), &fakeGetter{}), "rfsn api key")
}
