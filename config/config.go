package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ResourcePolicy is the resource-level session policy. The timeout is
// configured per resource and is not user-adjustable at runtime.
type ResourcePolicy struct {
	TimeoutMinutes int    `mapstructure:"timeout_minutes"`
	PasswordHash   string `mapstructure:"password_hash"` // bcrypt hash of the resource password
}

// Config holds all configuration for the engine and the reference auth
// collaborator. Tags use mapstructure for Viper unmarshalling.
type Config struct {
	HTTPPort     string `mapstructure:"http_port"` // auth collaborator listen port
	AuthURL      string `mapstructure:"auth_url"`  // collaborator address as seen by engines
	StoreBackend string `mapstructure:"store_backend"`

	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	JWTSigningKey string `mapstructure:"jwt_signing_key"`

	Resources map[string]ResourcePolicy `mapstructure:"resources"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("sessiongate")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/sessiongate/")
	v.AddConfigPath("$HOME/.sessiongate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SESSIONGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_port", "8080")
	v.SetDefault("auth_url", "http://localhost:8080")
	v.SetDefault("store_backend", "redis")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("key_prefix", "sessiongate")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017/sessiongate_dev")
	v.SetDefault("mongo_db_name", "sessiongate_dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", true)
	v.SetDefault("jwt_signing_key", "a_very_secret_jwt_key_change_me") // CHANGE IN PRODUCTION

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable: defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
