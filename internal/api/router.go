package api

import (
	"net/http"

	"fleetconsole/internal/console"
	"fleetconsole/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(r *gin.Engine, con *console.Console) {
	v1 := r.Group("/v1")
	{
		v1.GET("/devices", func(c *gin.Context) {
			handlers.ListDevicesHandler(c, con)
		})

		v1.GET("/devices/:id/status", func(c *gin.Context) {
			handlers.DeviceStatusHandler(c, con)
		})

		v1.POST("/devices/:id/heartbeat", func(c *gin.Context) {
			handlers.HeartbeatHandler(c, con)
		})

		v1.GET("/devices/:id/location", func(c *gin.Context) {
			handlers.DeviceLocationHandler(c, con)
		})

		v1.GET("/locations", func(c *gin.Context) {
			handlers.FleetLocationsHandler(c, con)
		})

		v1.GET("/devices/:id/commands", func(c *gin.Context) {
			handlers.ListDeviceCommandsHandler(c, con)
		})

		v1.GET("/activity", func(c *gin.Context) {
			handlers.ActivityFeedHandler(c, con)
		})

		v1.GET("/activity/stream", func(c *gin.Context) {
			handlers.ActivityStreamHandler(c, con)
		})

		v1.POST("/commands", func(c *gin.Context) {
			handlers.IssueCommandHandler(c, con)
		})

		v1.GET("/commands/:id", func(c *gin.Context) {
			handlers.GetCommandHandler(c, con)
		})

		v1.GET("/commands/:id/events", func(c *gin.Context) {
			handlers.WatchCommandHandler(c, con)
		})

		v1.GET("/stats", func(c *gin.Context) {
			handlers.StatsHandler(c, con)
		})

		// liveness check
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})

		v1.GET("/openapi.json", func(c *gin.Context) {
			c.Redirect(http.StatusFound, "/swagger/index.html")
		})
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
