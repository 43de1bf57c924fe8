package config

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "park_topic", cfg.Broker.Exchange)
	assert.Equal(t, "topic", cfg.Broker.ExchangeType)
	assert.Equal(t, 12, cfg.Broker.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Broker.RetryInterval)
	assert.Equal(t, 300*time.Second, cfg.Broker.Heartbeat)
	assert.False(t, cfg.Broker.DeadLetter)
	assert.Equal(t, 1, cfg.Broker.Workers)
	assert.Equal(t, "9091", cfg.App.OpsPort)
	assert.Equal(t, "https://api.telegram.org", cfg.Collaborators.TelegramAPIURL)
	assert.Equal(t, 60, cfg.Auth.TokenTTLMin)
	assert.Equal(t, "parkbus:dropped", cfg.Redis.DeadLetterKey)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AMQP_HOST", "rabbitmq")
	t.Setenv("AMQP_MAX_RETRIES", "0")
	t.Setenv("AMQP_RETRY_INTERVAL", "250ms")
	t.Setenv("AMQP_DEAD_LETTER", "true")
	t.Setenv("CONSUMER_WORKERS", "4")
	t.Setenv("RATE_LIMIT_CAPACITY", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "rabbitmq", cfg.Broker.Host)
	assert.Equal(t, 1, cfg.Broker.MaxRetries, "at least one attempt")
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.RetryInterval)
	assert.True(t, cfg.Broker.DeadLetter)
	assert.Equal(t, 4, cfg.Broker.Workers)
	assert.Equal(t, 1, cfg.RateLimit.Capacity)
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("AMQP_PORT", "not-a-port")
	_, err := Load()
	assert.Error(t, err)
}

func TestBrokerURL(t *testing.T) {
	b := Broker{Host: "rabbitmq", Port: 5673, User: "park", Pass: "p@ss", VHost: "/"}
	uri, err := amqp.ParseURI(b.URL())
	require.NoError(t, err)

	assert.Equal(t, "rabbitmq", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "park", uri.Username)
	assert.Equal(t, "p@ss", uri.Password)
	assert.Equal(t, "/", uri.Vhost)
}

func TestAccessLogURL(t *testing.T) {
	assert.Equal(t, "http://logs/accesslogs", Collaborators{LogsURL: "http://logs/accesslogs"}.AccessLogURL())
	assert.Equal(t, "http://new/accesslogs", Collaborators{
		AccessLogsURL: "http://new/accesslogs",
		LogsURL:       "http://logs/accesslogs",
	}.AccessLogURL())
}

func TestAuthClients(t *testing.T) {
	a := Auth{ServiceClients: " enterpark:$2a$10$abc , broken, :nohash, payment:$2a$10$xyz,"}
	assert.Equal(t, map[string]string{
		"enterpark": "$2a$10$abc",
		"payment":   "$2a$10$xyz",
	}, a.Clients())
	assert.Empty(t, Auth{}.Clients())
}

func TestRedisAddress(t *testing.T) {
	assert.Equal(t, "localhost:6379", Redis{}.address())
	assert.Equal(t, "cache:6379", Redis{Addr: "cache:6379"}.address())
	assert.Equal(t, "redis:6380", Redis{Addr: "cache:6379", Host: "redis", Port: "6380"}.address())
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	assert.Nil(t, NewRedisClient(Redis{Addr: "127.0.0.1:1"}))
}
