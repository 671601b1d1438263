package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	RabbitMQ     RabbitMQConfig     `mapstructure:"rabbitmq"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Log          LogConfig          `mapstructure:"log"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Disassembler DisassemblerConfig `mapstructure:"disassembler"`
	Signing      SigningConfig      `mapstructure:"signing"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`            // debug, release
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`   // 单个 APK 上传上限
	SyncByDefault bool   `mapstructure:"sync_by_default"` // 未指定 async 参数时同步执行
	APIToken      string `mapstructure:"api_token"`       // 为空时 API 不认证
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// URL AMQP 连接地址
func (c RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

// PipelineConfig 重建流水线参数
type PipelineConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	UnpackWorkers       int           `mapstructure:"unpack_workers"` // 同一 APK 内并行反汇编的 dex 数
	Scheme              string        `mapstructure:"scheme"`         // auto, v1, v2, both
	MinSDK              int           `mapstructure:"min_sdk"`        // 0 表示未知
	PageAlignNativeLibs bool          `mapstructure:"page_align_native_libs"`
	VerifyAfterSign     bool          `mapstructure:"verify_after_sign"`
	SignerName          string        `mapstructure:"signer_name"` // META-INF/<NAME>.SF
	PatchSet            string        `mapstructure:"patch_set"`   // 默认补丁集
}

// DisassemblerConfig baksmali/smali 工具
type DisassemblerConfig struct {
	JavaPath    string `mapstructure:"java_path"`
	BaksmaliJar string `mapstructure:"baksmali_jar"`
	SmaliJar    string `mapstructure:"smali_jar"`
	APILevel    int    `mapstructure:"api_level"`
	WorkDir     string `mapstructure:"work_dir"`
}

// SigningConfig 签名身份，PEM 与 PKCS#12 二选一
type SigningConfig struct {
	KeyFile     string `mapstructure:"key_file"`
	CertFile    string `mapstructure:"cert_file"`
	P12File     string `mapstructure:"p12_file"`
	P12Password string `mapstructure:"p12_password"`
}

// WatcherConfig 收件箱目录监听
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	InboxDir string        `mapstructure:"inbox_dir"`
	Pattern  string        `mapstructure:"pattern"`
	Settle   time.Duration `mapstructure:"settle"` // 文件写入稳定等待时间
}

type StorageConfig struct {
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Mode: "release", MaxUploadMB: 512},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "data/rebuild.db",
			Port: 3306,
		},
		RabbitMQ: RabbitMQConfig{
			Host:  "localhost",
			Port:  5672,
			User:  "guest",
			VHost: "/",
			Queue: "apk_rebuild",
		},
		Worker: WorkerConfig{Concurrency: 2, QueueSize: 100},
		Log:    LogConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{
			Timeout:         10 * time.Minute,
			UnpackWorkers:   4,
			Scheme:          "auto",
			VerifyAfterSign: true,
			SignerName:      "CERT",
		},
		Disassembler: DisassemblerConfig{
			JavaPath:    "java",
			BaksmaliJar: "tools/baksmali.jar",
			SmaliJar:    "tools/smali.jar",
			APILevel:    21,
		},
		Watcher: WatcherConfig{
			InboxDir: "data/inbox",
			Pattern:  "*.apk",
			Settle:   2 * time.Second,
		},
		Storage: StorageConfig{
			InputDir:  "data/input",
			OutputDir: "data/output",
		},
	}
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Pipeline.UnpackWorkers < 1 {
		return fmt.Errorf("pipeline.unpack_workers must be >= 1, got %d", c.Pipeline.UnpackWorkers)
	}
	if c.Pipeline.Timeout < 0 {
		return fmt.Errorf("pipeline.timeout must not be negative")
	}
	switch c.Pipeline.Scheme {
	case "", "auto", "v1", "v2", "both":
	default:
		return fmt.Errorf("unsupported signature scheme: %s", c.Pipeline.Scheme)
	}
	if c.Pipeline.MinSDK < 0 {
		return fmt.Errorf("pipeline.min_sdk must not be negative")
	}
	if c.Disassembler.APILevel < 15 {
		return fmt.Errorf("disassembler.api_level must be >= 15, got %d", c.Disassembler.APILevel)
	}
	if c.Signing.P12File != "" && (c.Signing.KeyFile != "" || c.Signing.CertFile != "") {
		return fmt.Errorf("signing: configure either p12_file or key_file/cert_file, not both")
	}
	if (c.Signing.KeyFile == "") != (c.Signing.CertFile == "") {
		return fmt.Errorf("signing: key_file and cert_file must be set together")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("rabbitmq.host", d.RabbitMQ.Host)
	v.SetDefault("rabbitmq.port", d.RabbitMQ.Port)
	v.SetDefault("rabbitmq.user", d.RabbitMQ.User)
	v.SetDefault("rabbitmq.vhost", d.RabbitMQ.VHost)
	v.SetDefault("rabbitmq.queue", d.RabbitMQ.Queue)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.queue_size", d.Worker.QueueSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("pipeline.timeout", d.Pipeline.Timeout)
	v.SetDefault("pipeline.unpack_workers", d.Pipeline.UnpackWorkers)
	v.SetDefault("pipeline.scheme", d.Pipeline.Scheme)
	v.SetDefault("pipeline.verify_after_sign", d.Pipeline.VerifyAfterSign)
	v.SetDefault("pipeline.signer_name", d.Pipeline.SignerName)
	v.SetDefault("disassembler.java_path", d.Disassembler.JavaPath)
	v.SetDefault("disassembler.baksmali_jar", d.Disassembler.BaksmaliJar)
	v.SetDefault("disassembler.smali_jar", d.Disassembler.SmaliJar)
	v.SetDefault("disassembler.api_level", d.Disassembler.APILevel)
	v.SetDefault("watcher.inbox_dir", d.Watcher.InboxDir)
	v.SetDefault("watcher.pattern", d.Watcher.Pattern)
	v.SetDefault("watcher.settle", d.Watcher.Settle)
	v.SetDefault("storage.input_dir", d.Storage.InputDir)
	v.SetDefault("storage.output_dir", d.Storage.OutputDir)
}

// Load 读取 YAML 配置文件；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	v.BindEnv("server.api_token", "APK_REBUILD_API_TOKEN")

	// 签名口令
	v.BindEnv("signing.p12_password", "APK_SIGNING_P12_PASSWORD")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
