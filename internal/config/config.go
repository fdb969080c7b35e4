package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const minJWTSecretLen = 32

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	JWT         JWTConfig                 `json:"jwt"`
	Ably        AblyConfig                `json:"ably"`
	Email       EmailConfig               `json:"email"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address" env:"CONSULTCHAT_ADDR"`
	LogLevel          string   `json:"log_level" env:"CONSULTCHAT_LOG_LEVEL"`
	AllowedOrigins    []string `json:"allowed_origins" env:"CONSULTCHAT_ALLOWED_ORIGINS"`
	ConsultantEmails  []string `json:"consultant_emails"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
	CodeTTL           int      `json:"code_ttl"`            // minutes
	HistoryCacheTTL   int      `json:"history_cache_ttl"`   // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" env:"REDIS_PORT"`
	Username string `json:"username" env:"REDIS_USERNAME"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db"`
}

type JWTConfig struct {
	SecretKey     string `json:"secret_key" env:"CONSULTCHAT_JWT_SECRET"`
	Issuer        string `json:"issuer"`
	Audience      string `json:"audience"`
	ExpiryMinutes int    `json:"expiry_minutes"`
}

type AblyConfig struct {
	APIKey          string `json:"api_key" env:"ABLY_API_KEY"`
	RESTHost        string `json:"rest_host"`
	HistoryLimit    int    `json:"history_limit"`
	TokenTTLMinutes int    `json:"token_ttl_minutes"`
}

// KeyName returns the "appId.keyId" half of the API key.
func (a AblyConfig) KeyName() string {
	name, _, _ := strings.Cut(a.APIKey, ":")
	return name
}

// KeySecret returns the secret half of the API key.
func (a AblyConfig) KeySecret() string {
	_, secret, _ := strings.Cut(a.APIKey, ":")
	return secret
}

type EmailConfig struct {
	Host     string `json:"host" env:"SMTP_HOST"`
	Port     int    `json:"port" env:"SMTP_PORT"`
	Username string `json:"username" env:"SMTP_USERNAME"`
	Password string `json:"password" env:"SMTP_PASSWORD"`
	From     string `json:"from" env:"SMTP_FROM"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the process is loaded first and environment variables
// override the secrets found in the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, name := range []string{"sqlite", "sqlite3"} {
		dbCfg, ok := cfg.Databases[name]
		if !ok || dbCfg.DSN == "" || dbCfg.DSN == ":memory:" || strings.HasPrefix(dbCfg.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases[name] = dbCfg
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.LogLevel == "" {
		c.BasicConfig.LogLevel = "INFO"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 256
	}
	if c.BasicConfig.CodeTTL <= 0 {
		c.BasicConfig.CodeTTL = 15
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "consultchat"
	}
	if c.JWT.Audience == "" {
		c.JWT.Audience = "consultchat-client"
	}
	if c.JWT.ExpiryMinutes <= 0 {
		c.JWT.ExpiryMinutes = 60
	}
	if c.Ably.HistoryLimit <= 0 {
		c.Ably.HistoryLimit = 100
	}
	if c.Ably.TokenTTLMinutes <= 0 {
		c.Ably.TokenTTLMinutes = 60
	}
	if c.Email.Port == 0 {
		c.Email.Port = 587
	}
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	if len(c.JWT.SecretKey) < minJWTSecretLen {
		return fmt.Errorf("jwt secret_key must be at least %d bytes", minJWTSecretLen)
	}
	if c.Ably.KeyName() == "" || c.Ably.KeySecret() == "" {
		return errors.New("ably api_key must have the form name:secret")
	}
	return nil
}
