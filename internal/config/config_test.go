package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offgrid.yaml")
	body := `
storage:
  backend: bolt
  path: /tmp/offgrid.bolt
queue:
  max_retries: 7
  sync_interval: 5s
bootstrap:
  methods: [direct, websocket]
  websocket_url: ws://relay.example:8080/relay
  nodes:
    - id: boot1
      addr: /ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendBolt, cfg.Storage.Backend)
	require.Equal(t, 7, cfg.Queue.MaxRetries)
	require.Equal(t, 5*time.Second, cfg.Queue.SyncInterval)
	require.Equal(t, []string{MethodDirect, MethodWebSocket}, cfg.Bootstrap.Methods)
	require.Len(t, cfg.Bootstrap.Nodes, 1)
	// untouched sections keep their defaults
	require.True(t, cfg.Messages.Dedup)
	require.Equal(t, 0.2, cfg.Bootstrap.ReliabilityAlpha)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: etcd\n"},
		{"zero retries", "queue:\n  max_retries: 0\n"},
		{"alpha out of range", "bootstrap:\n  reliability_alpha: 1.5\n"},
		{"unknown method", "bootstrap:\n  methods: [carrier-pigeon]\n"},
		{"broken yaml", "storage: [\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "c"+string(rune('a'+i))+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_RejectsNonYAMLPath(t *testing.T) {
	_, err := Load("config.json")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAttempts_DefaultsToOne(t *testing.T) {
	b := Default().Bootstrap
	require.Equal(t, 2, b.Attempts(MethodDirect))
	require.Equal(t, 1, b.Attempts(MethodRendezvous))
}
