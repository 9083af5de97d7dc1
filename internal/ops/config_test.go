package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helm.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesDurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"origin": "helm-1",
		"halt": {"socketPath": "/tmp/helm.sock", "cascadeBudgetMs": 500},
		"bead": {"dir": "/var/lib/helm/beads", "syncIntervalMs": 1000},
		"broker": {"heartbeatIntervalMs": 3000, "missThreshold": 3, "maxReconnectAttempts": 8},
		"breaker": {"failureThreshold": 3, "recoveryTimeoutMs": 10000},
		"backoff": {"baseMs": 250, "maxMs": 30000, "jitterFrac": 0.1},
		"health": {"degradedThreshold": 3, "criticalThreshold": 6, "haltedThreshold": 10, "windowMs": 60000},
		"position": {"fillTimeoutMs": 30000, "tokenTtlMs": 300000}
	}`)

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "helm-1", loaded.Origin)
	assert.Equal(t, "/tmp/helm.sock", loaded.HaltSocket)
	assert.Equal(t, 500*time.Millisecond, loaded.CascadeBudget)
	assert.Equal(t, 3*time.Second, loaded.Broker.HeartbeatInterval)
	assert.Equal(t, 250*time.Millisecond, loaded.Backoff.Base)
	assert.Equal(t, 0.1, loaded.Backoff.JitterFrac)
	assert.Equal(t, 5*time.Minute, loaded.TokenTTL)
	assert.Equal(t, ":9108", loaded.MetricsAddr)
	assert.Nil(t, loaded.Archive)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing origin", `{"bead": {"dir": "/tmp/beads"}}`},
		{"missing bead dir", `{"origin": "helm-1"}`},
		{"non-escalating health", `{
			"origin": "helm-1",
			"bead": {"dir": "/tmp/beads"},
			"health": {"degradedThreshold": 6, "criticalThreshold": 3}
		}`},
		{"jitter out of range", `{
			"origin": "helm-1",
			"bead": {"dir": "/tmp/beads"},
			"backoff": {"baseMs": 100, "maxMs": 1000, "jitterFrac": 1.5}
		}`},
		{"not json", `origin = helm`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestArchiveSectionResolved(t *testing.T) {
	path := writeConfig(t, `{
		"origin": "helm-1",
		"bead": {"dir": "/tmp/beads"},
		"archive": {"host": "db.local", "port": 5432, "user": "helm", "database": "audit"}
	}`)
	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Archive)
	assert.Equal(t, "db.local", loaded.Archive.Host)
	assert.Equal(t, 5432, loaded.Archive.Port)
}
