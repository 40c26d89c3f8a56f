package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix: RELAY_HTTP_ADDR, RELAY_REDIS_ADDR, RELAY_LOGGING_LEVEL и т.д.
const envPrefix = "RELAY"

type HTTP struct {
	Addr              string        `yaml:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" envconfig:"READ_HEADER_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	AllowedOrigins    []string      `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

type GRPC struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

type WS struct {
	PingPeriod      time.Duration `yaml:"pingPeriod" envconfig:"PING_PERIOD" validate:"gt=0,ltfield=PongWait"`
	PongWait        time.Duration `yaml:"pongWait" envconfig:"PONG_WAIT" validate:"gt=0"`
	WriteWait       time.Duration `yaml:"writeWait" envconfig:"WRITE_WAIT" validate:"gt=0"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes" envconfig:"MAX_MESSAGE_BYTES" validate:"gt=0"`
	SendBuffer      int           `yaml:"sendBuffer" envconfig:"SEND_BUFFER" validate:"gt=0"`
}

// Redis: пустой addr отключает шину между репликами.
type Redis struct {
	Addr          string `yaml:"addr" validate:"omitempty,hostname_port"`
	DB            int    `yaml:"db" validate:"gte=0"`
	ChannelPrefix string `yaml:"channelPrefix" envconfig:"CHANNEL_PREFIX"`
}

type Logging struct {
	Env       string `yaml:"env" validate:"omitempty,oneof=dev stage prod"`
	Service   string `yaml:"service"`
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend" validate:"omitempty,oneof=std zap"`
	Level     string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	AddSource bool   `yaml:"addSource" envconfig:"ADD_SOURCE"`
	Debug     bool   `yaml:"debug"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	WS      WS      `yaml:"ws"`
	Redis   Redis   `yaml:"redis"`
	Logging Logging `yaml:"logging"`
}

// Default is what the relay runs with when neither file nor env say otherwise.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		GRPC: GRPC{Addr: ":9090"},
		WS: WS{
			PingPeriod:      54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageBytes: 1 << 20,
			SendBuffer:      256,
		},
		Redis: Redis{ChannelPrefix: "relay:room:"},
		Logging: Logging{
			Service: "collab-relay",
			Version: "v0.1.0",
			Level:   "info",
		},
	}
}

// LoadConfig: дефолты, затем YAML из CONFIG_PATH (если файл есть), затем RELAY_* из env.
func LoadConfig() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config/config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// без файла живём на дефолтах и env
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// установка дефолтов, если YAML занулил значения
	if c.Logging.Service == "" {
		c.Logging.Service = "collab-relay"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "relay:room:"
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RedisEnabled reports whether the cross-instance bus should be started.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
