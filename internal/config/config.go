package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Brownie44l1/caffe-mobile/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config holds everything the HTTP server needs.
type Config struct {
	Port int `yaml:"port"`

	// Model loaded at startup. Leave empty to start without one and load
	// through the API.
	TopologyPath string `yaml:"topology_path"`
	WeightsPath  string `yaml:"weights_path"`

	Log           logging.Config `yaml:"log"`
	CaptureStderr bool           `yaml:"capture_stderr"`

	ORTLibraryPath string `yaml:"ort_library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	DecodeWorkers  int    `yaml:"decode_workers"`
	DebugRows      int    `yaml:"debug_rows"`

	MaxUploadMB int `yaml:"max_upload_mb"`
	DefaultTopK int `yaml:"default_top_k"`
}

func Default() *Config {
	return &Config{
		Port:         8080,
		TopologyPath: "models/model_metadata.json",
		WeightsPath:  "models/model_embedded.onnx",
		Log:          logging.Config{Level: "info", Format: "console"},
		DebugRows:    10,
		MaxUploadMB:  10,
		DefaultTopK:  3,
	}
}

// Load reads the YAML file at path, if any, and then applies environment
// overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.Port = envInt("PORT", c.Port)
	c.TopologyPath = envStr("TOPOLOGY_PATH", c.TopologyPath)
	c.WeightsPath = envStr("WEIGHTS_PATH", c.WeightsPath)
	c.Log.Level = envStr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("LOG_FORMAT", c.Log.Format)
	c.CaptureStderr = envBool("CAPTURE_STDERR", c.CaptureStderr)
	c.ORTLibraryPath = envStr("ORT_LIBRARY_PATH", c.ORTLibraryPath)
	c.IntraOpThreads = envInt("INTRA_OP_THREADS", c.IntraOpThreads)
	c.DecodeWorkers = envInt("DECODE_WORKERS", c.DecodeWorkers)
	c.DebugRows = envInt("DEBUG_ROWS", c.DebugRows)
	c.MaxUploadMB = envInt("MAX_UPLOAD_MB", c.MaxUploadMB)
	c.DefaultTopK = envInt("DEFAULT_TOP_K", c.DefaultTopK)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.DefaultTopK < 1 {
		return fmt.Errorf("default_top_k must be at least 1, got %d", c.DefaultTopK)
	}
	return nil
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
