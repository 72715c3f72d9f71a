package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int

	// ConnectTimeout bounds the whole startup backoff loop.
	ConnectTimeout time.Duration
	BackoffStart   time.Duration
	BackoffMax     time.Duration
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) error {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s_PORT %q: %w", prefix, port, err)
		}
		c.Port = n
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	return nil
}

// ApplyURL overrides the connection fields from a postgres:// URL.
func (c *DatabaseConfig) ApplyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("invalid DATABASE_URL scheme %q", u.Scheme)
	}
	if host := u.Hostname(); host != "" {
		c.Host = host
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL port %q: %w", port, err)
		}
		c.Port = n
	}
	if u.User != nil {
		c.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			c.Password = password
		}
	}
	if name := u.Path; len(name) > 1 {
		c.Database = name[1:]
	}
	if sslMode := u.Query().Get("sslmode"); sslMode != "" {
		c.SSLMode = sslMode
	}
	return nil
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) error {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid %s_DB %q: %w", prefix, db, err)
		}
		c.DB = n
	}
	return nil
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) error {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		n, err := strconv.Atoi(qos)
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("invalid %s_QOS %q", prefix, qos)
		}
		c.QoS = byte(n)
	}
	return nil
}

// Config 设备导出服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr     string
		CertFile string
		KeyFile  string
	}

	Export struct {
		ReadAhead   int
		ChunkBuffer int
	}

	Ingest struct {
		Enabled bool
		Topic   string // 遥测主题，如 "devices/+/telemetry"
	}

	Flusher struct {
		Enabled   bool
		Interval  time.Duration
		BatchSize int
		Stream    string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "devices")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	if err := cfg.Database.LoadFromEnv("DB"); err != nil {
		return nil, err
	}
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		if err := cfg.Database.ApplyURL(raw); err != nil {
			return nil, err
		}
	}
	var err error
	if cfg.Database.ConnectTimeout, err = getEnvDuration("DB_CONNECT_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	cfg.Database.BackoffStart = 500 * time.Millisecond
	cfg.Database.BackoffMax = 10 * time.Second

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	if err := cfg.Redis.LoadFromEnv("REDIS"); err != nil {
		return nil, err
	}

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "device-export")
	cfg.MQTT.QoS = 1
	if err := cfg.MQTT.LoadFromEnv("MQTT"); err != nil {
		return nil, err
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":3000")
	cfg.HTTP.CertFile = getEnv("TLS_CERT_FILE", "key/localhost-cert.pem")
	cfg.HTTP.KeyFile = getEnv("TLS_KEY_FILE", "key/localhost-privkey.pem")

	if cfg.Export.ReadAhead, err = getEnvInt("EXPORT_READ_AHEAD", 1); err != nil {
		return nil, err
	}
	if cfg.Export.ChunkBuffer, err = getEnvInt("EXPORT_CHUNK_BUFFER", 1); err != nil {
		return nil, err
	}

	if cfg.Ingest.Enabled, err = getEnvBool("INGEST_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Ingest.Topic = getEnv("INGEST_TOPIC", "devices/+/telemetry")

	if cfg.Flusher.Enabled, err = getEnvBool("FLUSHER_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.Flusher.Interval, err = getEnvDuration("FLUSHER_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Flusher.BatchSize, err = getEnvInt("FLUSHER_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	cfg.Flusher.Stream = getEnv("FLUSHER_STREAM", "devices:status:stream")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Export.ReadAhead < 1 || cfg.Export.ChunkBuffer < 1 {
		return nil, fmt.Errorf("export buffers must be at least 1 (read ahead %d, chunk buffer %d)",
			cfg.Export.ReadAhead, cfg.Export.ChunkBuffer)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
