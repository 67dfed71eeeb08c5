// Package config loads process configuration from the environment, an
// optional .env file and an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the validated process configuration.
type Config struct {
	Env               string
	Port              string
	AccessTokenSecret string
	AllowedOrigins    []string
	MaxMessageSize    int64
	OperationTimeout  time.Duration
	ShutdownTimeout   time.Duration

	LogLevel  string
	LogFormat string

	StoreDriver string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	RedisURL     string
	RelayChannel string
}

// Addr returns the listen address.
func (c Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// IsDev reports whether the process runs in a development environment.
func (c Config) IsDev() bool {
	return c.Env == "" || c.Env == "dev" || c.Env == "development" || c.Env == "test"
}

var bindings = map[string]string{
	"app.env":                  "APP_ENV",
	"server.port":              "PORT",
	"server.allowed_origins":   "ALLOWED_ORIGINS",
	"server.max_message_size":  "MAX_MESSAGE_SIZE",
	"server.operation_timeout": "OPERATION_TIMEOUT",
	"server.shutdown_timeout":  "SHUTDOWN_TIMEOUT",
	"auth.access_token_secret": "ACCESS_TOKEN_SECRET",
	"logging.level":            "LOG_LEVEL",
	"logging.format":           "LOG_FORMAT",
	"store.driver":             "STORE_DRIVER",
	"store.database_url":       "DATABASE_URL",
	"store.mongo_uri":          "MONGO_URI",
	"store.mongo_db":           "MONGO_DB",
	"relay.redis_url":          "REDIS_URL",
	"relay.channel":            "RELAY_CHANNEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.operation_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.mongo_db", "gochat")
	v.SetDefault("relay.channel", "gochat:events")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads .env (if present), then configFile (or ./config/config.yaml when
// configFile is empty and that file exists), then the environment. Later
// sources win.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := newViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:               v.GetString("app.env"),
		Port:              strings.TrimSpace(v.GetString("server.port")),
		AccessTokenSecret: v.GetString("auth.access_token_secret"),
		AllowedOrigins:    splitList(v.GetStringSlice("server.allowed_origins")...),
		MaxMessageSize:    v.GetInt64("server.max_message_size"),
		OperationTimeout:  v.GetDuration("server.operation_timeout"),
		ShutdownTimeout:   v.GetDuration("server.shutdown_timeout"),
		LogLevel:          strings.ToLower(v.GetString("logging.level")),
		LogFormat:         strings.ToLower(v.GetString("logging.format")),
		StoreDriver:       strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		DatabaseURL:       v.GetString("store.database_url"),
		MongoURI:          v.GetString("store.mongo_uri"),
		MongoDB:           v.GetString("store.mongo_db"),
		RedisURL:          v.GetString("relay.redis_url"),
		RelayChannel:      v.GetString("relay.channel"),
	}
	return cfg, cfg.Validate()
}

// Validate checks that required settings are present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.AccessTokenSecret == "" {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET is required"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("ALLOWED_ORIGINS must name at least one origin or *"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("OPERATION_TIMEOUT must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// splitList accepts both a yaml list and a comma-separated env value.
func splitList(values ...string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
