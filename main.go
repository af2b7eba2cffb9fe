package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetconsole/docs"
	"fleetconsole/internal/api"
	"fleetconsole/internal/archive"
	"fleetconsole/internal/config"
	"fleetconsole/internal/console"
	"fleetconsole/internal/events"
	"fleetconsole/internal/events/spool"
	"fleetconsole/internal/ledger"
	"fleetconsole/internal/observability"
	"fleetconsole/internal/presence"
	"fleetconsole/internal/store"
	"fleetconsole/internal/store/dynamo"
	"fleetconsole/internal/transport"
	"fleetconsole/internal/transport/hub"
	"fleetconsole/internal/transport/redispush"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// commandHistory persists ledger entries and loads them back on start.
type commandHistory interface {
	ledger.Recorder
	LoadCommands(ctx context.Context) ([]ledger.Entry, error)
}

func main() {
	configPath := flag.String("config", os.Getenv("FLEET_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := observability.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, "fleetconsole")
	if err != nil {
		logger.WithError(err).Fatal("failed to init tracing")
	}

	// 初始化 SQLite 数据库
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open db")
	}
	defer db.Close()

	history, err := openHistory(ctx, cfg.Storage, db)
	if err != nil {
		logger.WithError(err).Fatal("failed to open command store")
	}
	recorders := []ledger.Recorder{history}
	if cfg.MinIO.Enabled {
		arc, err := archive.Dial(ctx, cfg.MinIO)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to minio")
		}
		recorders = append(recorders, arc)
	}

	var (
		tr   transport.Transport
		src  events.Source
		sink hub.Sink
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		rt := redispush.New(rdb, cfg.Redis.Prefix, logger)
		go func() {
			if err := rt.Run(ctx); err != nil {
				logger.WithError(err).Error("acknowledgement listener stopped")
			}
		}()
		tr = rt
		src = redispush.NewSource(rdb, cfg.Redis.Prefix)
		sink = redispush.NewPublisher(rdb, cfg.Redis.Prefix).Publish
	} else {
		mem := events.NewMemorySource()
		for _, k := range events.Streams() {
			mem.Publish(events.Notification{Stream: k, Op: events.OpSnapshot})
		}
		sink = func(_ context.Context, n events.Notification) error {
			mem.Publish(n)
			return nil
		}
		bridge := hub.NewBridge(sink, logger)
		bridge.ClockSkew = cfg.Presence.ClockSkew
		h := hub.New(bridge, logger)
		if cfg.Hub.Enabled {
			go func() {
				if err := h.Listen(ctx, cfg.Hub.Addr); err != nil {
					logger.WithError(err).Error("hub stopped")
				}
			}()
		}
		tr = h
		src = mem
	}

	if cfg.Spool.Dir != "" {
		startSpool(ctx, spool.New(cfg.Spool.Dir, logger), sink, logger)
	}

	con := console.New(db, tr, console.Options{
		Thresholds: presence.Thresholds{
			AwayAfter:    cfg.Presence.AwayAfter,
			OfflineAfter: cfg.Presence.OfflineAfter,
			ClockSkew:    cfg.Presence.ClockSkew,
		},
		AckTimeout:   cfg.Commands.AckTimeout,
		DefaultLimit: cfg.Feed.DefaultLimit,
		MaxLimit:     cfg.Feed.MaxLimit,
		Recorders:    recorders,
		Logger:       logger,
	})
	defer con.Close()

	heartbeats, err := db.Heartbeats(ctx)
	if err != nil {
		logger.WithError(err).Fatal("failed to load heartbeats")
	}
	con.SeedPresence(heartbeats)
	entries, err := history.LoadCommands(ctx)
	if err != nil {
		logger.WithError(err).Fatal("failed to load commands")
	}
	con.Restore(ctx, entries)
	con.Start(ctx, src)

	// set swagger info
	docs.SwaggerInfo.Title = "Fleet Console API"
	docs.SwaggerInfo.Version = "v0.1.0"

	r := gin.Default()
	r.Use(observability.GinMetrics())

	api.RegisterRoutes(r, con)

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))
	r.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/swagger/index.html")
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("console listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server exit")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown")
	}
}

func openHistory(ctx context.Context, cfg config.StorageConfig, db *store.SQLiteStore) (commandHistory, error) {
	if cfg.CommandsBackend == "dynamodb" {
		return dynamo.NewCommandStore(ctx, cfg.DynamoDBTable, cfg.DynamoDBRegion)
	}
	return db, nil
}

// startSpool feeds the record streams exported to the spool directory into
// the console's event sink. The devices stream stays with the hub.
func startSpool(ctx context.Context, sp *spool.Source, sink hub.Sink, log logrus.FieldLogger) {
	for _, k := range []events.StreamKey{events.StreamMessages, events.StreamCalls, events.StreamLocations} {
		go events.Pump(ctx, sp, k, log, func(n events.Notification) {
			if err := sink(ctx, n); err != nil {
				log.WithError(err).WithField("stream", n.Stream).Warn("spool forward failed")
			}
		})
	}
}
