package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string          `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Postgres  DBConfig        `mapstructure:"postgres"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`
	QoS            int           `mapstructure:"qos"`
	IngestRetained bool          `mapstructure:"ingest_retained"`
	MessageTimeout time.Duration `mapstructure:"message_timeout"`
}

type HTTPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Schedule string        `mapstructure:"schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "sensor-service.db")
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "")
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "sensor-service")
	v.SetDefault("mqtt.topic", "sensors/#")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.ingest_retained", false)
	v.SetDefault("mqtt.message_timeout", 10*time.Second)
	v.SetDefault("http.request_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 64<<10)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("auth.jwt_public_key_path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "sensor.readings")
	v.SetDefault("retention.max_age", time.Duration(0))
	v.SetDefault("retention.schedule", "0 0 3 * * *")
}

// Load reads .env (if present), then the optional YAML file named by SENSOR_SERVICE_CONFIG,
// then the environment. Env names are the keys upper-cased with dots as underscores,
// e.g. MQTT_BROKER_URL or POSTGRES_HOST.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "SENSOR_SERVICE_PORT", "PORT")

	if path := strings.TrimSpace(os.Getenv("SENSOR_SERVICE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("sensor-service config loaded", "port", cfg.Port, "db_driver", cfg.Database.Driver, "mqtt", cfg.MQTT.BrokerURL, "topic", cfg.MQTT.Topic)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		for key, val := range map[string]string{
			"POSTGRES_USER": c.Postgres.User,
			"POSTGRES_DB":   c.Postgres.DBName,
			"POSTGRES_HOST": c.Postgres.Host,
			"POSTGRES_PORT": c.Postgres.Port,
		} {
			if strings.TrimSpace(val) == "" {
				return fmt.Errorf("missing required env %s", key)
			}
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}
