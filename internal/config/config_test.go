package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/devdock-test
listen: 127.0.0.1:9000
redis_addr: 127.0.0.1:6390
docker_network: test-net
jwt_secret: s3cret
vnc_web_port: 7901
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, "127.0.0.1:6390", cfg.RedisAddr)
	require.Equal(t, "test-net", cfg.DockerNetwork)
	require.Equal(t, 7901, cfg.VNCWebPort)
	// db_path follows data_dir when not set explicitly
	require.Equal(t, filepath.Join("/tmp/devdock-test", "devdock.db"), cfg.DBPath)
	// untouched defaults survive
	require.Equal(t, "devdock:queue", cfg.QueueKey)
	require.Equal(t, "gui-vnc", cfg.ImagePrefix)
}

func TestLoadReadsJWTSecretFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "jwt.key")
	require.NoError(t, os.WriteFile(secretPath, []byte("  file-secret\n"), 0o600))
	path := writeConfig(t, "jwt_secret_path: "+secretPath+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "file-secret", cfg.JWTSecret)
}

func TestValidateRejectsPublicMetricsListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsListen = "0.0.0.0:9100"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "metrics_listen") {
		t.Fatalf("expected metrics_listen error, got %v", err)
	}
}

func TestValidateAcceptsLoopbackMetricsListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsListen = "127.0.0.1:9100"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresQueueKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueKey = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "queue_key") {
		t.Fatalf("expected queue_key error, got %v", err)
	}
}
