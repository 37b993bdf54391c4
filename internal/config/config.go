package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "cobra"
	DefaultPGSSLMode    = "disable"

	// DefaultAttributionTag is appended to bridged sender names so external
	// participants can tell a relayed message from a native one.
	DefaultAttributionTag = "COBRA"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Bridge   BridgeConfig   `toml:"bridge"`
	GroupMe  GroupMeConfig  `toml:"groupme"`
	Lark     LarkConfig     `toml:"lark"`
	Cleanup  CleanupConfig  `toml:"cleanup"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicBaseURL is the externally reachable origin used when registering
	// webhook callbacks with platforms (e.g. https://bridge.example.org).
	PublicBaseURL string `toml:"public_base_url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type BridgeConfig struct {
	AttributionTag  string `toml:"attribution_tag"`
	RetryMax        int    `toml:"retry_max"`
	RetryBackoffMs  int    `toml:"retry_backoff_ms"`
	DeliveryTimeout int    `toml:"delivery_timeout_seconds"`
}

type GroupMeConfig struct {
	AccessToken string `toml:"access_token"`
	BaseURL     string `toml:"base_url"`
}

type LarkConfig struct {
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`
	Region    string `toml:"region"`
}

type CleanupConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule     string `toml:"schedule"`
	InactiveDays int    `toml:"inactive_days"`
}

// DSN builds a pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Bridge: BridgeConfig{
			AttributionTag:  DefaultAttributionTag,
			RetryMax:        3,
			RetryBackoffMs:  500,
			DeliveryTimeout: 10,
		},
		GroupMe: GroupMeConfig{
			BaseURL: "https://api.groupme.com/v3",
		},
		Lark: LarkConfig{
			Region: "lark",
		},
		Cleanup: CleanupConfig{
			Schedule:     "0 3 * * *",
			InactiveDays: 30,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
