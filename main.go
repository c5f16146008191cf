package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/config"
	"github.com/alimasry/go-doc-sync/events"
	"github.com/alimasry/go-doc-sync/server"
	"github.com/alimasry/go-doc-sync/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	setupLogging(cfg)

	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}
	defer closeStore()

	pub, closePublisher, err := openPublisher(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("open publisher")
	}
	defer closePublisher()

	docOpts, err := cfg.DocumentOptions()
	if err != nil {
		logrus.WithError(err).Fatal("document options")
	}

	hub := server.NewHub(st, server.HubConfig{
		Publisher:       pub,
		DocumentOptions: docOpts,
		Logger:          logrus.StandardLogger(),
	})
	go hub.Run()
	defer hub.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.NewHandler(hub),
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.Server.Addr).Info("starting server")
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logrus.WithField("signal", s.String()).Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("server stopped")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.WithError(err).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

// openStore builds the configured backend. Remote backends are fronted by a
// write-behind cache unless flushInterval is zero.
func openStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, func(), error) {
	var (
		backing store.DocumentStore
		release func()
	)
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		backing = store.NewFirestoreStore(client, cfg.Firestore.Collection)
		release = func() { client.Close() }
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, err
		}
		backing = store.NewRedisStore(rdb, cfg.Redis.Prefix)
		release = func() { rdb.Close() }
	}

	logger := logrus.WithField("store", cfg.Store.Backend)
	if cfg.Store.FlushInterval == 0 {
		logger.Info("store opened without cache")
		return backing, release, nil
	}
	cached := store.NewCachedStore(backing, cfg.Store.FlushInterval, logger)
	logger.WithField("flushInterval", cfg.Store.FlushInterval).Info("store opened with write-behind cache")
	return cached, func() {
		if err := cached.Close(); err != nil {
			logger.WithError(err).Error("final flush")
		}
		release()
	}, nil
}

// openPublisher returns a Kafka publisher when brokers are configured and a
// no-op publisher otherwise.
func openPublisher(cfg *config.Config) (events.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NopPublisher{}, func() {}, nil
	}
	producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
	if err != nil {
		return nil, nil, err
	}
	pub := events.NewKafkaPublisher(producer, cfg.Kafka.Topic, events.KafkaOptions{
		QueueSize:   cfg.Kafka.QueueSize,
		Workers:     cfg.Kafka.Workers,
		MaxRetry:    cfg.Kafka.MaxRetry,
		BaseBackoff: cfg.Kafka.BaseBackoff,
		MaxBackoff:  cfg.Kafka.MaxBackoff,
	}, logrus.StandardLogger())
	logrus.WithFields(logrus.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
	}).Info("publishing applied diffs to kafka")

	return pub, func() {
		pub.Close()
		if err := producer.Close(); err != nil {
			logrus.WithError(err).Warn("close kafka producer")
		}
	}, nil
}
