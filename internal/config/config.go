package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	CTrader CTraderConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Symbols SymbolsConfig
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	NodeEnv  string `mapstructure:"node_env"`
	LogLevel string `mapstructure:"log_level"`
}

type CTraderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	Env          string `mapstructure:"env"`
	DemoHost     string `mapstructure:"demo_host"`
	LiveHost     string `mapstructure:"live_host"`
	Port         int    `mapstructure:"port"`
	ProtoDir     string `mapstructure:"proto_dir"`
	TokenURL     string `mapstructure:"token_url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	TokenEncryptionKey string `mapstructure:"token_encryption_key"`
	InternalAPIKey     string `mapstructure:"internal_api_key"`
}

type SymbolsConfig struct {
	CacheTTLHours int `mapstructure:"cache_ttl_hours"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.node_env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("ctrader.env", "demo")
	v.SetDefault("ctrader.demo_host", "demo.ctraderapi.com")
	v.SetDefault("ctrader.live_host", "live.ctraderapi.com")
	v.SetDefault("ctrader.port", 5035)
	v.SetDefault("ctrader.token_url", "https://openapi.ctrader.com/apps/token")
	v.SetDefault("symbols.cache_ttl_hours", 24)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"server.node_env":           "NODE_ENV",
		"server.log_level":          "LOG_LEVEL",
		"ctrader.client_id":         "CTRADER_CLIENT_ID",
		"ctrader.client_secret":     "CTRADER_CLIENT_SECRET",
		"ctrader.redirect_uri":      "CTRADER_REDIRECT_URI",
		"ctrader.env":               "CTRADER_ENV",
		"ctrader.demo_host":         "CTRADER_DEMO_HOST",
		"ctrader.live_host":         "CTRADER_LIVE_HOST",
		"ctrader.port":              "CTRADER_PORT",
		"ctrader.proto_dir":         "CTRADER_PROTO_DIR",
		"ctrader.token_url":         "CTRADER_TOKEN_URL",
		"redis.url":                 "REDIS_URL",
		"auth.token_encryption_key": "TOKEN_ENCRYPTION_KEY",
		"auth.internal_api_key":     "INTERNAL_API_KEY",
		"symbols.cache_ttl_hours":   "SYMBOL_CACHE_TTL_HOURS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.CTrader.ClientID, "CTRADER_CLIENT_ID"},
		{c.CTrader.ClientSecret, "CTRADER_CLIENT_SECRET"},
		{c.CTrader.RedirectURI, "CTRADER_REDIRECT_URI"},
		{c.CTrader.ProtoDir, "CTRADER_PROTO_DIR"},
		{c.Redis.URL, "REDIS_URL"},
		{c.Auth.TokenEncryptionKey, "TOKEN_ENCRYPTION_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Server.Port)
	}
	if c.CTrader.Port < 1 || c.CTrader.Port > 65535 {
		return fmt.Errorf("CTRADER_PORT out of range: %d", c.CTrader.Port)
	}
	if c.CTrader.Env != "demo" && c.CTrader.Env != "live" {
		return fmt.Errorf("CTRADER_ENV must be demo or live, got %q", c.CTrader.Env)
	}
	if c.Symbols.CacheTTLHours < 1 {
		return fmt.Errorf("SYMBOL_CACHE_TTL_HOURS must be positive, got %d", c.Symbols.CacheTTLHours)
	}
	return nil
}

// SymbolCacheTTL returns the symbol catalog TTL as a duration.
func (c *Config) SymbolCacheTTL() time.Duration {
	return time.Duration(c.Symbols.CacheTTLHours) * time.Hour
}
