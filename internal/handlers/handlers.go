package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fleetconsole/internal/console"
	"fleetconsole/internal/dispatch"
	"fleetconsole/internal/ledger"
	"fleetconsole/internal/presence"

	"github.com/gin-gonic/gin"
)

// statusFor maps console errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownKind), errors.Is(err, presence.ErrClockSkew):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnknownDevice), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrDeviceUnaddressable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrTransportRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// @Summary List devices
// @Description List every known device with its current presence status
// @Tags devices
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/devices [get]
func ListDevicesHandler(c *gin.Context, con *console.Console) {
	devices, err := con.Fleet(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// @Summary Device status
// @Description Classify one device as online, away or offline from its last heartbeat
// @Tags devices
// @Produce json
// @Param id path string true "device id"
// @Success 200 {object} console.DeviceStatus
// @Failure 404 {object} map[string]string
// @Router /v1/devices/{id}/status [get]
func DeviceStatusHandler(c *gin.Context, con *console.Console) {
	st, err := con.GetDeviceStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type HeartbeatRequest struct {
	// Timestamp defaults to the time the request was received.
	Timestamp *time.Time `json:"timestamp"`
}

// @Summary Record heartbeat
// @Description Record a device heartbeat reported over HTTP
// @Tags devices
// @Accept json
// @Produce json
// @Param id path string true "device id"
// @Param body body HeartbeatRequest false "heartbeat"
// @Success 200 {object} console.DeviceStatus
// @Failure 400 {object} map[string]string "malformed body or clock skew"
// @Router /v1/devices/{id}/heartbeat [post]
func HeartbeatHandler(c *gin.Context, con *console.Console) {
	var req HeartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var at time.Time
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	}
	id := c.Param("id")
	if err := con.RecordHeartbeat(c.Request.Context(), id, at); err != nil {
		abortWith(c, err)
		return
	}
	st, err := con.GetDeviceStatus(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary Device location
// @Description Newest location fix reported by one device
// @Tags devices
// @Produce json
// @Param id path string true "device id"
// @Success 200 {object} console.Location
// @Failure 404 {object} map[string]string
// @Router /v1/devices/{id}/location [get]
func DeviceLocationHandler(c *gin.Context, con *console.Console) {
	loc, ok := con.DeviceLocation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location reported for this device"})
		return
	}
	c.JSON(http.StatusOK, loc)
}

// @Summary Fleet locations
// @Description Newest location fix of every device that reported one
// @Tags devices
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/locations [get]
func FleetLocationsHandler(c *gin.Context, con *console.Console) {
	c.JSON(http.StatusOK, gin.H{"locations": con.Locations("")})
}

// @Summary Activity feed
// @Description Newest-first merge of command, message, call, location and system events
// @Tags activity
// @Produce json
// @Param device_id query string false "only events of this device"
// @Param limit query int false "page size (default 50, max 100)"
// @Success 200 {object} activity.Feed
// @Failure 400 {object} map[string]string
// @Router /v1/activity [get]
func ActivityFeedHandler(c *gin.Context, con *console.Console) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	feed := con.GetActivityFeed(c.Query("device_id"), limit)
	c.JSON(http.StatusOK, gin.H{
		"events":    feed.Events,
		"sources":   feed.Sources,
		"truncated": feed.Truncated,
		"loading":   feed.Loading(),
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return v, true
}

// @Summary Stream activity feed
// @Description Server-sent events carrying the latest feed after every source update
// @Tags activity
// @Produce text/event-stream
// @Param device_id query string false "only events of this device"
// @Param limit query int false "page size (default 50, max 100)"
// @Router /v1/activity/stream [get]
func ActivityStreamHandler(c *gin.Context, con *console.Console) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	sub := con.SubscribeFeed(c.Query("device_id"), limit)
	defer sub.Close()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case feed, ok := <-sub.Updates():
			if !ok {
				return
			}
			c.SSEvent("feed", feed)
			c.Writer.Flush()
		}
	}
}

type IssueCommandRequest struct {
	DeviceID   string                 `json:"device_id" binding:"required"`
	Kind       string                 `json:"kind" binding:"required"`
	Params     map[string]interface{} `json:"params"`
	OperatorID string                 `json:"operator_id" binding:"required"`
}

// @Summary Issue command
// @Description Record a command in the ledger and push it to the device
// @Tags commands
// @Accept json
// @Produce json
// @Param body body IssueCommandRequest true "command"
// @Success 202 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /v1/commands [post]
func IssueCommandHandler(c *gin.Context, con *console.Console) {
	var req IssueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var params []byte
	if req.Params != nil {
		var err error
		if params, err = json.Marshal(req.Params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id, err := con.IssueCommand(c.Request.Context(), dispatch.Request{
		DeviceID:   req.DeviceID,
		Kind:       dispatch.Kind(req.Kind),
		Params:     params,
		OperatorID: req.OperatorID,
	})
	if err != nil {
		body := gin.H{"error": err.Error()}
		if id != "" {
			body["command_id"] = id
		}
		c.JSON(statusFor(err), body)
		return
	}
	e, err := con.GetCommandState(id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": id, "state": e.State})
}

// @Summary Command state
// @Description Current state, result and transition history of a command
// @Tags commands
// @Produce json
// @Param id path string true "command id"
// @Success 200 {object} ledger.Entry
// @Failure 404 {object} map[string]string
// @Router /v1/commands/{id} [get]
func GetCommandHandler(c *gin.Context, con *console.Console) {
	e, err := con.GetCommandState(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, commandView(e))
}

func commandView(e ledger.Entry) gin.H {
	out := gin.H{"command": e}
	if e.State == ledger.Failed {
		out["failure"] = e.Reason.Message()
	}
	return out
}

// @Summary Watch command
// @Description Server-sent events with each state transition; ends at a terminal state
// @Tags commands
// @Produce text/event-stream
// @Param id path string true "command id"
// @Failure 404 {object} map[string]string
// @Router /v1/commands/{id}/events [get]
func WatchCommandHandler(c *gin.Context, con *console.Console) {
	w, err := con.WatchCommand(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	defer w.Close()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-w.Updates():
			if !ok {
				return
			}
			c.SSEvent("transition", t)
			c.Writer.Flush()
			if t.State.Terminal() {
				return
			}
		}
	}
}

// @Summary Device commands
// @Description Commands issued to one device, newest first
// @Tags commands
// @Produce json
// @Param id path string true "device id"
// @Success 200 {object} map[string]interface{}
// @Router /v1/devices/{id}/commands [get]
func ListDeviceCommandsHandler(c *gin.Context, con *console.Console) {
	c.JSON(http.StatusOK, gin.H{"commands": con.ListCommands(c.Param("id"))})
}

// @Summary Console stats
// @Description Device presence counts, command states and feed source status
// @Tags meta
// @Produce json
// @Success 200 {object} console.Stats
// @Router /v1/stats [get]
func StatsHandler(c *gin.Context, con *console.Console) {
	c.JSON(http.StatusOK, con.Stats())
}
