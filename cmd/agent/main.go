package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/pkg/agent"
	"fleetconsole/pkg/protocol"
)

func main() {
	var (
		hub       = flag.String("hub", "localhost:9527", "Hub address")
		id        = flag.String("id", "", "Device ID (defaults to the hostname)")
		token     = flag.String("token", "", "Push token the hub addresses this device by")
		model     = flag.String("model", "dev-agent", "Reported device model")
		spoolDir  = flag.String("spool", "", "Directory of <stream>.json files to forward as events")
		heartbeat = flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	)
	flag.Parse()

	if *id == "" {
		hostname, _ := os.Hostname()
		*id = hostname
	}
	if *token == "" {
		*token = *id
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(*hub, *id, *token)
	client.Info = protocol.HelloInfo{Model: *model, AppVersion: "dev"}
	client.SpoolDir = *spoolDir
	client.Heartbeat = *heartbeat
	if err := client.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("agent exit")
	}
}
