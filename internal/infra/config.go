package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Виды sink'ов, куда конвейер доставляет пачки
const (
	SinkHTTP     = "http"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
)

// Config — корневая структура конфигурации.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Collector CollectorConfig `mapstructure:"collector"`
}

// ServerConfig описывает настройки HTTP-сервера demo/collector.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TelemetryConfig — параметры захвата и конвейера доставки.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`

	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// FlushIntervalMs перекрывает FlushInterval, если задан (> 0)
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	FlushSize       int `mapstructure:"flush_size"`
	MaxBufferSize   int `mapstructure:"max_buffer_size"`

	// DeveloperMode: диагностика в stdout и URL коллектора без суффикса /requests
	DeveloperMode bool `mapstructure:"developer_mode"`

	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	Compress         bool          `mapstructure:"compress"`
	ShutdownAttempts uint          `mapstructure:"shutdown_attempts"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	RedactHeaders    []string      `mapstructure:"redact_headers"`
}

// Interval возвращает итоговый период таймерного сброса.
func (t TelemetryConfig) Interval() time.Duration {
	if t.FlushIntervalMs > 0 {
		return time.Duration(t.FlushIntervalMs) * time.Millisecond
	}
	return t.FlushInterval
}

// SinkConfig выбирает получателя пачек.
type SinkConfig struct {
	Kind        string `mapstructure:"kind"` // http, postgres, redis
	RedisStream string `mapstructure:"redis_stream"`
}

// BreakerConfig — Circuit Breaker вокруг sink'а.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// DatabaseConfig описывает подключение к PostgreSQL (sink.kind=postgres).
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (sink.kind=redis).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CollectorConfig — отладочный коллектор (cmd/collector).
// Пустой APIKey означает telemetry.api_key.
type CollectorConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path — явный путь к файлу; пустая строка включает поиск config.yaml.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCollectorConfig читает тот же конфиг, но проверяет только секцию collector:
// коллектору не нужны параметры захвата и sink'а.
func LoadCollectorConfig(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Collector.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает конфиг: TELEMETRY_API_KEY перекроет telemetry.api_key
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты. Каждый ключ должен быть известен viper, иначе ENV не подхватится
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Sink.Kind = strings.ToLower(strings.TrimSpace(cfg.Sink.Kind))
	if cfg.Collector.APIKey == "" {
		cfg.Collector.APIKey = cfg.Telemetry.APIKey
	}
	return &cfg, nil
}

// Validate проверяет секцию collector.
func (c CollectorConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("collector.addr is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("collector.api_key (or telemetry.api_key) is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid collector config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("telemetry.service_name", "")
	v.SetDefault("telemetry.base_url", "")
	v.SetDefault("telemetry.api_key", "")
	v.SetDefault("telemetry.flush_interval", 5*time.Second)
	v.SetDefault("telemetry.flush_interval_ms", 0)
	v.SetDefault("telemetry.flush_size", 50)
	v.SetDefault("telemetry.max_buffer_size", 1000)
	v.SetDefault("telemetry.developer_mode", false)
	v.SetDefault("telemetry.send_timeout", 10*time.Second)
	v.SetDefault("telemetry.compress", false)
	v.SetDefault("telemetry.shutdown_attempts", 3)
	v.SetDefault("telemetry.max_body_bytes", 64<<10)
	v.SetDefault("telemetry.redact_headers", []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key"})

	v.SetDefault("sink.kind", SinkHTTP)
	v.SetDefault("sink.redis_stream", RedisStreamRequests)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("breaker.interval", time.Minute)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.consecutive_failures", 5)

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("collector.addr", ":9000")
	v.SetDefault("collector.api_key", "")
}

// Validate проверяет обязательные параметры для выбранного sink'а.
func (c *Config) Validate() error {
	var errs []error
	t := c.Telemetry

	if t.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name is required"))
	}
	if t.FlushSize <= 0 {
		errs = append(errs, errors.New("telemetry.flush_size must be positive"))
	}
	if t.MaxBufferSize <= 0 {
		errs = append(errs, errors.New("telemetry.max_buffer_size must be positive"))
	}
	if t.Interval() <= 0 {
		errs = append(errs, errors.New("telemetry.flush_interval must be positive"))
	}

	switch c.Sink.Kind {
	case SinkHTTP:
		if t.BaseURL == "" {
			errs = append(errs, errors.New("telemetry.base_url is required for http sink"))
		}
		if t.APIKey == "" {
			errs = append(errs, errors.New("telemetry.api_key is required for http sink"))
		}
	case SinkPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres sink"))
		}
	case SinkRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for redis sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.kind %q", c.Sink.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
