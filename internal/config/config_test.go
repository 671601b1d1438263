package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "auto", cfg.Pipeline.Scheme)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.Timeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
pipeline:
  timeout: 30s
  scheme: v2
  min_sdk: 26
  page_align_native_libs: true
disassembler:
  api_level: 28
signing:
  p12_file: /keys/release.p12
`), 0644))

	t.Setenv("APK_SIGNING_P12_PASSWORD", "s3cret")
	t.Setenv("MYSQL_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, "v2", cfg.Pipeline.Scheme)
	assert.Equal(t, 26, cfg.Pipeline.MinSDK)
	assert.True(t, cfg.Pipeline.PageAlignNativeLibs)
	assert.Equal(t, 28, cfg.Disassembler.APILevel)
	assert.Equal(t, "s3cret", cfg.Signing.P12Password)
	assert.Equal(t, "db.internal", cfg.Database.Host)

	// 未在文件中出现的字段保留默认值
	assert.Equal(t, 4, cfg.Pipeline.UnpackWorkers)
	assert.Equal(t, "apk_rebuild", cfg.RabbitMQ.Queue)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"未知数据库", func(c *Config) { c.Database.Type = "postgres" }},
		{"worker 为 0", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"反汇编并发为 0", func(c *Config) { c.Pipeline.UnpackWorkers = 0 }},
		{"未知签名方案", func(c *Config) { c.Pipeline.Scheme = "v4" }},
		{"API 过低", func(c *Config) { c.Disassembler.APILevel = 14 }},
		{"证书缺失", func(c *Config) { c.Signing.KeyFile = "key.pem" }},
		{"两种身份同时配置", func(c *Config) {
			c.Signing.KeyFile, c.Signing.CertFile, c.Signing.P12File = "k", "c", "p"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRabbitMQConfig_URL(t *testing.T) {
	c := RabbitMQConfig{User: "u", Password: "p", Host: "mq", Port: 5672, VHost: "/"}
	assert.Equal(t, "amqp://u:p@mq:5672/", c.URL())
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rebuild.log")
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json", Output: path})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("run_id", "r1").Info("hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"r1"`)

	fallback := InitLogger(&LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "*.apk", cfg.Watcher.Pattern)
}
