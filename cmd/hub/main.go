// cmd/hub/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/config"
	"fleetconsole/internal/observability"
	"fleetconsole/internal/transport/redispush"
)

// The relay holds device connections on behalf of a console running with
// redis enabled.
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}

	relay := redispush.NewRelay(rdb, cfg.Redis.Prefix, logger)
	relay.Bridge().ClockSkew = cfg.Presence.ClockSkew
	if err := relay.Run(ctx, cfg.Hub.Addr); err != nil {
		logger.WithError(err).Fatal("relay exit")
	}
}
