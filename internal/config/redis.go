package config

// Redis backs the drop recorder of the consumer and the rate limiter of the
// publish gateway.  Both degrade gracefully when the server is unreachable, so
// NewRedisClient returns nil instead of an error.

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// address resolves the host:port to dial.  REDIS_HOST and REDIS_PORT win
// over REDIS_ADDR when both are set.
func (r Redis) address() string {
	if r.Host != "" && r.Port != "" {
		return r.Host + ":" + r.Port
	}
	if r.Addr != "" {
		return r.Addr
	}
	return "localhost:6379"
}

// NewRedisClient builds a client from cfg and pings it with a short timeout.
// The returned client is nil when the ping fails.
func NewRedisClient(cfg Redis) *redis.Client {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	addr := cfg.address()
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).WithField("addr", addr).Warn("redis unavailable, continuing without it")
		_ = client.Close()
		return nil
	}
	return client
}
