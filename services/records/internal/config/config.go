package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when Load is called with an empty path.
const ConfigPath = "config.yaml"

const (
	defaultNotifyDelaySeconds = 3
	maxNotifyDelaySeconds     = 60
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	LogsDir        string   `yaml:"logsDir"`
	MaxConnections int      `yaml:"maxConnections"`
	TrustedProxies []string `yaml:"trustedProxies"`

	// memory | postgres | sqlite
	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`
	SQLitePath   string `yaml:"sqlitePath"`

	// file | minio
	SnapshotBackend string `yaml:"snapshotBackend"`
	SnapshotPath    string `yaml:"snapshotPath"`
	SnapshotKey     string `yaml:"snapshotKey"`
	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioBucket     string `yaml:"minioBucket"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`

	// memory | redis | amqp
	NotifyBackend      string `yaml:"notifyBackend"`
	NotifyQueueSize    int    `yaml:"notifyQueueSize"`
	NotifyWorkers      int    `yaml:"notifyWorkers"`
	NotifyDelaySeconds int    `yaml:"notifyDelaySeconds"`
	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	AMQPURL            string `yaml:"amqpURL"`

	// none | basic | jwt
	AuthMode  string            `yaml:"authMode"`
	AuthUsers map[string]string `yaml:"authUsers"`
	JWTSecret string            `yaml:"jwtSecret"`

	RateLimitPerMinute     int `yaml:"rateLimitPerMinute"`
	ShutdownTimeoutSeconds int `yaml:"shutdownTimeoutSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("RECORDS_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("RECORDS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECORDS_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RECORDS_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("RECORDS_SNAPSHOT_BACKEND"); v != "" {
		cfg.SnapshotBackend = v
	}
	if v := os.Getenv("RECORDS_SNAPSHOT_PATH"); v != "" {
		cfg.SnapshotPath = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("RECORDS_NOTIFY_BACKEND"); v != "" {
		cfg.NotifyBackend = v
	}
	if v := os.Getenv("RECORDS_NOTIFY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NotifyDelaySeconds = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("RECORDS_AUTH_MODE"); v != "" {
		cfg.AuthMode = v
	}
	if v := os.Getenv("RECORDS_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("RECORDS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("RECORDS_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "memory"
	}
	cfg.SnapshotBackend = strings.ToLower(strings.TrimSpace(cfg.SnapshotBackend))
	if cfg.SnapshotBackend == "" {
		cfg.SnapshotBackend = "file"
	}
	if cfg.SnapshotBackend == "file" && strings.TrimSpace(cfg.SnapshotPath) == "" {
		cfg.SnapshotPath = "data.json"
	}
	cfg.NotifyBackend = strings.ToLower(strings.TrimSpace(cfg.NotifyBackend))
	if cfg.NotifyBackend == "" {
		cfg.NotifyBackend = "memory"
	}
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if cfg.AuthMode == "" {
		cfg.AuthMode = "none"
	}
	if cfg.NotifyDelaySeconds == 0 {
		cfg.NotifyDelaySeconds = defaultNotifyDelaySeconds
	}
	if cfg.ShutdownTimeoutSeconds == 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeBackend postgres")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("config: sqlitePath is required for storeBackend sqlite")
		}
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	switch cfg.SnapshotBackend {
	case "file":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for snapshotBackend minio")
		}
	default:
		return fmt.Errorf("config: unknown snapshotBackend %q", cfg.SnapshotBackend)
	}
	switch cfg.NotifyBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for notifyBackend redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for notifyBackend amqp")
		}
	default:
		return fmt.Errorf("config: unknown notifyBackend %q", cfg.NotifyBackend)
	}
	if cfg.NotifyQueueSize < 0 || cfg.NotifyWorkers < 0 || cfg.NotifyDelaySeconds < 0 {
		return errors.New("config: notifyQueueSize, notifyWorkers and notifyDelaySeconds must be >= 0")
	}
	if cfg.NotifyDelaySeconds > maxNotifyDelaySeconds {
		return fmt.Errorf("config: notifyDelaySeconds must be <= %d", maxNotifyDelaySeconds)
	}
	switch cfg.AuthMode {
	case "none":
	case "basic":
		if len(cfg.AuthUsers) == 0 {
			return errors.New("config: authUsers is required for authMode basic")
		}
	case "jwt":
		if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
			return errors.New("config: jwtSecret must be at least 32 bytes for authMode jwt (set in config.yaml or RECORDS_JWT_SECRET)")
		}
	default:
		return fmt.Errorf("config: unknown authMode %q", cfg.AuthMode)
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rateLimitPerMinute is set")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("config: maxConnections must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
