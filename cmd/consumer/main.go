package main // consumer runs the park exchange dispatcher

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/broker"
	"github.com/lockdownpark/parkbus/internal/config"
	"github.com/lockdownpark/parkbus/internal/deadletter"
	"github.com/lockdownpark/parkbus/internal/handler"
	"github.com/lockdownpark/parkbus/internal/metrics"
	"github.com/lockdownpark/parkbus/internal/notify"
	"github.com/lockdownpark/parkbus/internal/queue"
	"github.com/lockdownpark/parkbus/internal/router"
	"github.com/lockdownpark/parkbus/internal/topology"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	cfg.App.ConfigureLogging()
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := config.NewRedisClient(cfg.Redis)
	drops := deadletter.NewStore(rdb, cfg.Redis.DeadLetterKey, cfg.Redis.DeadLetterMax)

	col := cfg.Collaborators
	httpc := notify.NewHTTPClient(col.HTTPTimeout)
	dispatcher, err := queue.NewDispatcher(queue.Deps{
		ErrorSink:  notify.NewHTTPLogSink(httpc, col.ErrorURL),
		AccessSink: notify.NewHTTPLogSink(httpc, col.AccessLogURL()),
		Directory:  notify.NewHTTPDirectory(httpc, col.StaffURL, col.GuestURL),
		Chat:       notify.NewTelegramNotifier(httpc, col.TelegramAPIURL, col.TelegramToken),
		Mail:       notify.NewHTTPMailNotifier(httpc, col.EmailURL),
		Drops:      drops,
	})
	if err != nil {
		logrus.WithError(err).Fatal("build dispatcher")
	}

	spec := topology.Default(cfg.Broker.Exchange)
	spec.Kind = cfg.Broker.ExchangeType
	spec.DeadLetter = cfg.Broker.DeadLetter

	var connected atomic.Bool
	opts := broker.Options{
		URL:           cfg.Broker.URL(),
		Name:          "parkbus-consumer",
		MaxRetries:    cfg.Broker.MaxRetries,
		RetryInterval: cfg.Broker.RetryInterval,
		Heartbeat:     cfg.Broker.Heartbeat,
	}
	connect := func(ctx context.Context) (*broker.Connection, error) {
		conn, err := broker.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		connected.Store(true)
		conn.WatchClose(func(error) { connected.Store(false) })
		return conn, nil
	}

	checks := map[string]handler.Check{
		"broker": func(context.Context) error {
			if !connected.Load() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	ops := echo.New()
	ops.HideBanner = true
	router.RegisterOps(ops, checks, drops)
	go func() {
		addr := ":" + cfg.App.OpsPort
		logrus.WithField("addr", addr).Info("ops server listening")
		if err := ops.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("ops server stopped")
		}
	}()

	sup := &queue.Supervisor{
		Connect: connect,
		Spec:    spec,
		Handler: dispatcher,
		Options: queue.ConsumerOptions{Workers: cfg.Broker.Workers},
		Backoff: cfg.Broker.RetryInterval,
	}
	logrus.WithFields(logrus.Fields{"exchange": spec.Exchange, "env": cfg.App.Env}).Info("consumer starting")
	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("ops server shutdown")
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logrus.WithError(runErr).Fatal("consumer stopped")
	}
	logrus.Info("consumer stopped")
}
