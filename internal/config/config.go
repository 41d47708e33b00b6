package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "chargepilot/libs/config"
)

// Config defines the chargepilot service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"CHARGEPILOT_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN          string `yaml:"dsn" env:"CHARGEPILOT_POSTGRES_DSN"`
		MaxOpenConns int    `yaml:"maxOpenConns" env:"CHARGEPILOT_POSTGRES_MAX_OPEN"`
		MaxIdleConns int    `yaml:"maxIdleConns" env:"CHARGEPILOT_POSTGRES_MAX_IDLE"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"CHARGEPILOT_REDIS_ADDR"`
		Password string `yaml:"password" env:"CHARGEPILOT_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"CHARGEPILOT_REDIS_DB"`
		TTL      int    `yaml:"ttlSeconds" env:"CHARGEPILOT_REDIS_TTL"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"CHARGEPILOT_JWT_SECRET"`
	} `yaml:"auth"`
	Payments struct {
		BaseURL  string `yaml:"baseUrl" env:"CHARGEPILOT_PAYMENTS_BASE_URL"`
		APIKey   string `yaml:"apiKey" env:"CHARGEPILOT_PAYMENTS_API_KEY"`
		Currency string `yaml:"currency" env:"CHARGEPILOT_PAYMENTS_CURRENCY"`
	} `yaml:"payments"`
	Devices struct {
		CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds" env:"CHARGEPILOT_DEVICE_COMMAND_TIMEOUT"`
	} `yaml:"devices"`
	Simulator struct {
		IntervalSeconds int     `yaml:"intervalSeconds" env:"CHARGEPILOT_SIM_INTERVAL"`
		TickEnergyKWh   float64 `yaml:"tickEnergyKwh" env:"CHARGEPILOT_SIM_TICK_KWH"`
	} `yaml:"simulator"`
	MQTT struct {
		Broker      string `yaml:"broker" env:"CHARGEPILOT_MQTT_BROKER"`
		ClientID    string `yaml:"clientId" env:"CHARGEPILOT_MQTT_CLIENT_ID"`
		Username    string `yaml:"username" env:"CHARGEPILOT_MQTT_USERNAME"`
		Password    string `yaml:"password" env:"CHARGEPILOT_MQTT_PASSWORD"`
		TopicPrefix string `yaml:"topicPrefix" env:"CHARGEPILOT_MQTT_TOPIC_PREFIX"`
	} `yaml:"mqtt"`
	Notifier struct {
		BaseURL string `yaml:"baseUrl" env:"CHARGEPILOT_NOTIFIER_BASE_URL"`
	} `yaml:"notifier"`
}

// Load reads configuration via the shared helper and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Redis.TTL = 86400
	cfg.Payments.Currency = "eur"
	cfg.Devices.CommandTimeoutSeconds = 5
	cfg.Simulator.IntervalSeconds = 2
	cfg.Simulator.TickEnergyKWh = 0.05
	cfg.MQTT.ClientID = "chargepilot"
	cfg.MQTT.TopicPrefix = "chargepilot"

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ActiveSessionTTL returns the cache TTL as duration.
func (c *Config) ActiveSessionTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// DeviceCommandTimeout bounds the wait for a remote start/stop result.
func (c *Config) DeviceCommandTimeout() time.Duration {
	if c.Devices.CommandTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Devices.CommandTimeoutSeconds) * time.Second
}

// SimulatorInterval returns the tick cadence.
func (c *Config) SimulatorInterval() time.Duration {
	if c.Simulator.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Simulator.IntervalSeconds) * time.Second
}
