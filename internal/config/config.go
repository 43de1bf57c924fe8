package config // package config loads application configuration from environment variables

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"          // env parses struct tags into config values
	"github.com/joho/godotenv"            // godotenv loads a local .env file when present
	amqp "github.com/rabbitmq/amqp091-go" // amqp builds the broker URI
	"github.com/sirupsen/logrus"
)

// Config holds all runtime configuration values.  Both binaries load the
// same structure; each one only reads the groups it needs.
type Config struct {
	App           App
	Broker        Broker
	Collaborators Collaborators
	Redis         Redis
	DB            DB
	Auth          Auth
	RateLimit     RateLimitConfig
}

// App groups process level settings.
type App struct {
	Env       string `env:"APP_ENV" envDefault:"dev"`
	Port      string `env:"APP_PORT" envDefault:"8080"`
	OpsPort   string `env:"OPS_PORT" envDefault:"9091"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Broker describes how to reach RabbitMQ and which topology to use.
// MaxRetries bounds the number of connection attempts at startup.
type Broker struct {
	Host          string        `env:"AMQP_HOST" envDefault:"localhost"`
	Port          int           `env:"AMQP_PORT" envDefault:"5672"`
	User          string        `env:"AMQP_USER" envDefault:"guest"`
	Pass          string        `env:"AMQP_PASS" envDefault:"guest"`
	VHost         string        `env:"AMQP_VHOST" envDefault:"/"`
	Exchange      string        `env:"EXCHANGE_NAME" envDefault:"park_topic"`
	ExchangeType  string        `env:"EXCHANGE_TYPE" envDefault:"topic"`
	MaxRetries    int           `env:"AMQP_MAX_RETRIES" envDefault:"12"`
	RetryInterval time.Duration `env:"AMQP_RETRY_INTERVAL" envDefault:"5s"`
	Heartbeat     time.Duration `env:"AMQP_HEARTBEAT" envDefault:"300s"`
	DeadLetter    bool          `env:"AMQP_DEAD_LETTER" envDefault:"false"`
	Workers       int           `env:"CONSUMER_WORKERS" envDefault:"1"`
}

// URL renders the broker settings as an amqp:// URI.
func (b Broker) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.User,
		Password: b.Pass,
		Vhost:    b.VHost,
	}.String()
}

// Collaborators lists the HTTP services the dispatcher talks to.
type Collaborators struct {
	ErrorURL       string        `env:"ERROR_URL"`
	AccessLogsURL  string        `env:"ACCESS_LOGS_URL"`
	LogsURL        string        `env:"LOGS_URL"`
	StaffURL       string        `env:"STAFF_URL"`
	GuestURL       string        `env:"GUEST_URL"`
	EmailURL       string        `env:"EMAIL_URL"`
	TelegramToken  string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
}

// AccessLogURL returns ACCESS_LOGS_URL, falling back to LOGS_URL which older
// deployments still set.
func (c Collaborators) AccessLogURL() string {
	if c.AccessLogsURL != "" {
		return c.AccessLogsURL
	}
	return c.LogsURL
}

// Redis configures the client used for the drop recorder and rate limiting.
// Addr takes precedence unless both Host and Port are set.
type Redis struct {
	Addr          string `env:"REDIS_ADDR"`
	Host          string `env:"REDIS_HOST"`
	Port          string `env:"REDIS_PORT"`
	Password      string `env:"REDIS_PASSWORD"`
	DB            int    `env:"REDIS_DB" envDefault:"0"`
	TLS           bool   `env:"REDIS_TLS" envDefault:"false"`
	DeadLetterKey string `env:"DEADLETTER_KEY" envDefault:"parkbus:dropped"`
	DeadLetterMax int    `env:"DEADLETTER_MAX" envDefault:"1000"`
}

// DB holds the MySQL settings for the log sink service.
type DB struct {
	User string `env:"DB_USER" envDefault:"root"`
	Pass string `env:"DB_PASS"`
	Host string `env:"DB_HOST" envDefault:"localhost"`
	Port string `env:"DB_PORT" envDefault:"3306"`
	Name string `env:"DB_NAME" envDefault:"parkbus"`
}

// Auth configures service tokens for the publish gateway.  ServiceClients is
// a comma separated list of slug:bcrypt-hash pairs.
type Auth struct {
	JWTSecret      string `env:"JWT_SECRET"`
	TokenTTLMin    int    `env:"TOKEN_TTL_MIN" envDefault:"60"`
	ServiceClients string `env:"SERVICE_CLIENTS"`
}

// Clients parses ServiceClients into a slug -> hash map.  Malformed entries
// are skipped and logged.
func (a Auth) Clients() map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(a.ServiceClients, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slug, hash, ok := strings.Cut(part, ":")
		if !ok || slug == "" || hash == "" {
			logrus.WithField("entry", part).Warn("config: ignoring malformed SERVICE_CLIENTS entry")
			continue
		}
		out[strings.TrimSpace(slug)] = strings.TrimSpace(hash)
	}
	return out
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("config: could not read .env file")
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.RateLimit = cfg.RateLimit.normalize()
	if cfg.Broker.MaxRetries < 1 {
		cfg.Broker.MaxRetries = 1
	}
	if cfg.Broker.Workers < 1 {
		cfg.Broker.Workers = 1
	}
	return &cfg, nil
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus
// logger.  An unknown level falls back to info.
func (a App) ConfigureLogging() {
	lvl, err := logrus.ParseLevel(a.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	if strings.EqualFold(a.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
