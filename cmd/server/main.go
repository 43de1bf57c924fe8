package main // server runs the publish gateway and the log sinks

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/lockdownpark/parkbus/internal/broker"
	"github.com/lockdownpark/parkbus/internal/config"
	"github.com/lockdownpark/parkbus/internal/database"
	"github.com/lockdownpark/parkbus/internal/handler"
	"github.com/lockdownpark/parkbus/internal/metrics"
	"github.com/lockdownpark/parkbus/internal/repository"
	"github.com/lockdownpark/parkbus/internal/router"
	"github.com/lockdownpark/parkbus/internal/service"
	"github.com/lockdownpark/parkbus/internal/topology"
	"github.com/lockdownpark/parkbus/internal/utils"
)

func main() {
	hashSecret := flag.String("hash-secret", "", "print the bcrypt hash of a service secret for SERVICE_CLIENTS and exit")
	flag.Parse()
	if *hashSecret != "" {
		hash, err := utils.HashSecret(*hashSecret, bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatal("hash secret")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	cfg.App.ConfigureLogging()
	if cfg.Auth.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET is required")
	}
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Publishing side: the consumer owns the topology, so only check the
	// exchange is there.
	conn, err := broker.Connect(ctx, broker.Options{
		URL:           cfg.Broker.URL(),
		Name:          "parkbus-gateway",
		MaxRetries:    cfg.Broker.MaxRetries,
		RetryInterval: cfg.Broker.RetryInterval,
		Heartbeat:     cfg.Broker.Heartbeat,
	})
	if err != nil {
		logrus.WithError(err).Fatal("connect to broker")
	}
	defer conn.Close()
	if err := topology.Verify(conn.Channel(), cfg.Broker.Exchange, cfg.Broker.ExchangeType); err != nil {
		logrus.WithError(err).Fatal("exchange check failed, is the consumer running?")
	}
	lost := watchBroker(conn, stop)

	spec := topology.Default(cfg.Broker.Exchange)
	spec.Kind = cfg.Broker.ExchangeType
	spec.DeadLetter = cfg.Broker.DeadLetter
	pub := service.NewAMQPPublisher(conn.Channel(), spec, "parkbus-gateway")

	db, err := database.Open(cfg.DB)
	if err != nil {
		logrus.WithError(err).Fatal("open database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		logrus.WithError(err).Fatal("migrate database")
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}

	checks := map[string]handler.Check{
		"broker": func(context.Context) error {
			if lost.Load() {
				return errors.New("connection lost")
			}
			return nil
		},
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e, checks)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg.Auth.Clients(), cfg.Auth.JWTSecret, cfg.Auth.TokenTTLMin))
	router.RegisterPublish(e, handler.NewPublishHandler(pub), cfg.Auth.JWTSecret, cfg.RateLimit, rdb)
	router.RegisterLogs(e, handler.NewLogHandler(
		repository.NewErrorLogRepo(db),
		repository.NewAccessLogRepo(db),
	))

	go func() {
		addr := ":" + cfg.App.Port
		logrus.WithFields(logrus.Fields{"addr": addr, "env": cfg.App.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("server shutdown")
	}
	if lost.Load() {
		logrus.Fatal("exiting after broker connection loss")
	}
	logrus.Info("server stopped")
}

// watchBroker stops the server when the broker drops the connection.  The
// publisher cannot redial, so the process exits and its supervisor restarts
// it.
func watchBroker(conn *broker.Connection, stop context.CancelFunc) *atomic.Bool {
	lost := new(atomic.Bool)
	conn.WatchClose(func(err error) {
		logrus.WithError(err).Error("broker connection lost, shutting down")
		lost.Store(true)
		stop()
	})
	return lost
}
