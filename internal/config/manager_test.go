package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParseJSON(t *testing.T) {
	p := writeTemp(t, "config.json", `{
		"logging": {"level": "DEBUG", "console": true},
		"registry": {"heartbeat_timeout": "30s"},
		"queue": {"retry_max": 5, "retry_base": "2s", "retry_max_delay": "60s"},
		"dedup": {"window": "5s"},
		"connection": {"window_size": 10},
		"correlator": {"stall_after": "150s"},
		"transport": {"url": "wss://coord.example.net/v1/channel"}
	}`)

	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 5, cfg.Queue.RetryMax)
	require.Equal(t, "5s", cfg.Dedup.Window)
	require.Same(t, cfg, m.Get())
}

func TestParseYAML(t *testing.T) {
	p := writeTemp(t, "config.yaml", `
logging:
  level: INFO
  console: true
queue:
  capacity: 128
  retry_base: 2s
registry: {}
dedup: {}
connection: {}
correlator:
  stall_after: 2m30s
transport: {}
`)

	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, 128, cfg.Queue.Capacity)
	require.Equal(t, "2m30s", cfg.Correlator.StallAfter)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeTemp(t, "config.json", `{"queue": {"retrymax": 5}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeTemp(t, "config.json", `{"registry": {}}{"queue": {}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("queue.retry_base", "2s")
	require.NoError(t, err)
	require.Equal(t, "2s", d.String())

	_, err = ParseDurationField("queue.retry_base", "-2s")
	require.Error(t, err)

	_, err = ParseDurationField("queue.retry_base", "soon")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("dedup.window", "", 5000000000)
	require.NoError(t, err)
	require.Equal(t, "5s", d.String())
}
