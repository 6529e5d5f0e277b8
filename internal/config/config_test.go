package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, ":8080", c.Addr())
	assert.Equal(t, "models/model_embedded.onnx", c.WeightsPath)
	assert.Equal(t, 3, c.DefaultTopK)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
topology_path: /models/deploy.yaml
weights_path: /models/squeezenet.onnx
log:
  level: debug
  format: json
capture_stderr: true
decode_workers: 2
`), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("DEBUG_ROWS", "20")
	t.Setenv("INTRA_OP_THREADS", "not-a-number")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Port)
	assert.Equal(t, "/models/deploy.yaml", c.TopologyPath)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.True(t, c.CaptureStderr)
	assert.Equal(t, 2, c.DecodeWorkers)
	assert.Equal(t, 20, c.DebugRows)
	assert.Equal(t, 0, c.IntraOpThreads)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("port: [1"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("DEFAULT_TOP_K", "0")
	_, err = Load("")
	assert.ErrorContains(t, err, "default_top_k")
}
