package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Projector ProjectorConfig `yaml:"projector"`
	Relay     RelayConfig     `yaml:"relay"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ProjectorConfig drives the consumer tick loop and corruption scans.
type ProjectorConfig struct {
	ConsumerName string        `yaml:"consumer_name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	Backoff      time.Duration `yaml:"backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// RelayConfig drives the log-to-Kafka relay.
type RelayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if cfg.Projector.ConsumerName == "" {
		cfg.Projector.ConsumerName = "payment-projector"
	}
	if cfg.Projector.TickInterval == 0 {
		cfg.Projector.TickInterval = time.Second
	}
	if cfg.Projector.ScanInterval == 0 {
		cfg.Projector.ScanInterval = time.Minute
	}
	if cfg.Projector.Backoff == 0 {
		cfg.Projector.Backoff = 500 * time.Millisecond
	}
	if cfg.Projector.MaxBackoff == 0 {
		cfg.Projector.MaxBackoff = 30 * time.Second
	}
	if cfg.Relay.PollInterval == 0 {
		cfg.Relay.PollInterval = time.Second
	}
	if cfg.Relay.BatchSize == 0 {
		cfg.Relay.BatchSize = 100
	}
	return &cfg, nil
}
