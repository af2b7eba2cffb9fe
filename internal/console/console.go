// Package console is the operator-facing core: device presence, the merged
// activity feed and command issue and tracking, over one set of collaborators.
package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/internal/activity"
	"fleetconsole/internal/dispatch"
	"fleetconsole/internal/events"
	"fleetconsole/internal/ledger"
	"fleetconsole/internal/models"
	"fleetconsole/internal/observability"
	"fleetconsole/internal/presence"
	"fleetconsole/internal/store"
	"fleetconsole/internal/transport"
)

var ErrUnknownDevice = dispatch.ErrUnknownDevice

// DeviceStore is the device directory backing the console.
type DeviceStore interface {
	dispatch.Directory
	UpsertDevice(ctx context.Context, d models.Device) error
	RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error)
	Device(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

type Options struct {
	Thresholds   presence.Thresholds
	AckTimeout   time.Duration
	DefaultLimit int
	MaxLimit     int
	Recorders    []ledger.Recorder
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

const (
	DefaultFeedLimit = 50
	MaxFeedLimit     = 100
)

type Console struct {
	devices    DeviceStore
	tracker    *presence.Tracker
	feed       *activity.Aggregator
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	commands   *commandFeed
	streams    map[events.StreamKey]*events.Collection

	defaultLimit int
	maxLimit     int
	log          logrus.FieldLogger
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(devices DeviceStore, t transport.Transport, opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = models.TimeNow
	}
	if opts.Thresholds == (presence.Thresholds{}) {
		opts.Thresholds = presence.DefaultThresholds()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultFeedLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxFeedLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}

	c := &Console{
		devices:      devices,
		tracker:      presence.NewTracker(opts.Thresholds),
		streams:      make(map[events.StreamKey]*events.Collection),
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		log:          opts.Logger,
		now:          opts.Now,
	}
	c.feed = activity.NewAggregator([]activity.SourceKind{
		activity.SourceCommand,
		activity.SourceMessage,
		activity.SourceCall,
		activity.SourceLocation,
		activity.SourceSystem,
	}, observability.FeedRecomputations.Inc)
	// One past the page size keeps truncation visible per device.
	c.commands = newCommandFeed(c.feed, opts.MaxLimit+1)

	recorders := append([]ledger.Recorder{metricsRecorder{}, c.commands}, opts.Recorders...)
	c.ledger = ledger.New(ledger.Options{
		Now:       opts.Now,
		Logger:    opts.Logger.WithField("component", "ledger"),
		Recorders: recorders,
		OnInvalid: func(*ledger.InvalidTransitionError) { observability.InvalidTransitions.Inc() },
	})
	c.dispatcher = dispatch.New(c.ledger, t, devices, dispatch.Options{
		AckTimeout: opts.AckTimeout,
		Logger:     opts.Logger.WithField("component", "dispatch"),
		Now:        opts.Now,
	})
	for _, k := range events.Streams() {
		c.streams[k] = events.NewCollection(k)
	}
	c.commands.seed(nil)
	return c
}

// Restore loads persisted commands and resumes the ones still in flight.
func (c *Console) Restore(ctx context.Context, entries []ledger.Entry) {
	c.ledger.Restore(entries)
	all := c.ledger.List("")
	c.commands.seed(all)
	c.dispatcher.Resume(ctx, all)
	c.log.WithField("commands", len(entries)).Info("command ledger restored")
}

// SeedPresence loads stored heartbeats into the tracker.
func (c *Console) SeedPresence(heartbeats map[string]time.Time) {
	c.tracker.Replace(heartbeats, c.now())
}

// Start consumes every stream of src until Close.
func (c *Console) Start(ctx context.Context, src events.Source) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, k := range events.Streams() {
		c.wg.Add(1)
		go func(k events.StreamKey) {
			defer c.wg.Done()
			events.Pump(ctx, src, k, c.log, func(n events.Notification) { c.Apply(ctx, n) })
		}(k)
	}
}

func (c *Console) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.dispatcher.Close()
}

// Apply folds one stream notification into the console state.
func (c *Console) Apply(ctx context.Context, n events.Notification) {
	col, ok := c.streams[n.Stream]
	if !ok {
		c.log.WithField("stream", n.Stream).Warn("notification for unknown stream")
		return
	}
	res := col.Apply(n)
	log := c.log.WithField("stream", n.Stream)
	if res.Stale > 0 {
		observability.StaleDeltas.WithLabelValues(string(n.Stream)).Add(float64(res.Stale))
		log.WithField("count", res.Stale).Debug("ignoring removal of unknown records")
	}
	for _, u := range res.Unknown {
		log.WithFields(logrus.Fields{"key": u.Key, "reason": u.Reason}).Warn("record does not match stream shape")
	}
	if !res.Changed {
		return
	}
	entities := col.Entities()
	if n.Stream == events.StreamDevices {
		c.tracker.Replace(events.Heartbeats(entities), c.now())
		if n.Op != events.OpRemove {
			c.syncDevices(ctx, n)
		}
	}
	c.feed.Replace(events.SourceFor(n.Stream), events.ProjectAll(entities))
}

func (c *Console) syncDevices(ctx context.Context, n events.Notification) {
	now := c.now()
	for _, r := range n.Records {
		d, ok := events.Decode(events.StreamDevices, r).(events.DeviceRecord)
		if !ok {
			continue
		}
		last := d.LastSeen.Time()
		if !last.IsZero() && !c.tracker.Accepts(last, now) {
			observability.SkewedHeartbeats.Inc()
			c.log.WithFields(logrus.Fields{"device_id": d.DeviceID, "last_seen": last}).Warn("dropping heartbeat ahead of the console clock")
			last = time.Time{}
		}
		err := c.devices.UpsertDevice(ctx, models.Device{
			DeviceID:      d.DeviceID,
			PushToken:     d.PushToken,
			Model:         d.Model,
			OSVersion:     d.OSVersion,
			AppVersion:    d.AppVersion,
			LastHeartbeat: last,
		})
		if err != nil {
			c.log.WithError(err).WithField("device_id", d.DeviceID).Error("failed to store device")
		}
	}
}

// RecordHeartbeat accepts a heartbeat reported outside the event streams. A
// heartbeat further ahead of the console clock than the skew tolerance is
// refused with presence.ErrClockSkew and stored nowhere.
func (c *Console) RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	now := c.now()
	if at.IsZero() {
		at = now
	}
	if !c.tracker.Accepts(at, now) {
		observability.SkewedHeartbeats.Inc()
		return fmt.Errorf("%w: heartbeat %s is ahead of %s", presence.ErrClockSkew, at.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if _, err := c.devices.RecordHeartbeat(ctx, deviceID, at); err != nil {
		return err
	}
	c.tracker.Observe(deviceID, at, now)
	return nil
}

// DeviceStatus is the operator view of one device.
type DeviceStatus struct {
	DeviceID      string          `json:"device_id"`
	Status        presence.Status `json:"status"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	ClockSkew     bool            `json:"clock_skew,omitempty"`
	Addressable   bool            `json:"addressable"`
	Model         string          `json:"model,omitempty"`
	OSVersion     string          `json:"os_version,omitempty"`
	AppVersion    string          `json:"app_version,omitempty"`
}

func (c *Console) status(d models.Device, now time.Time) DeviceStatus {
	out := DeviceStatus{
		DeviceID:    d.DeviceID,
		Addressable: d.Addressable(),
		Model:       d.Model,
		OSVersion:   d.OSVersion,
		AppVersion:  d.AppVersion,
	}
	// A skewed stored value only shows when the tracker has nothing better.
	last, ok := c.tracker.LastHeartbeat(d.DeviceID)
	if stored := d.LastHeartbeat; stored.After(last) && (!ok || c.tracker.Accepts(stored, now)) {
		last = stored
	}
	st, err := c.tracker.Thresholds().Check(last, now)
	out.Status = st
	out.ClockSkew = errors.Is(err, presence.ErrClockSkew)
	if !last.IsZero() {
		out.LastHeartbeat = &last
	}
	return out
}

// GetDeviceStatus classifies the device against the current time; nothing
// about it is cached.
func (c *Console) GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	d, err := c.devices.Device(ctx, deviceID)
	if errors.Is(err, store.ErrDeviceNotFound) {
		if _, ok := c.tracker.LastHeartbeat(deviceID); ok {
			return c.status(models.Device{DeviceID: deviceID}, c.now()), nil
		}
		return DeviceStatus{}, ErrUnknownDevice
	}
	if err != nil {
		return DeviceStatus{}, err
	}
	return c.status(*d, c.now()), nil
}

// Fleet lists every known device with its current status and refreshes the
// device gauge.
func (c *Console) Fleet(ctx context.Context) ([]DeviceStatus, error) {
	devices, err := c.devices.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	counts := map[presence.Status]int{presence.Online: 0, presence.Away: 0, presence.Offline: 0}
	out := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		s := c.status(d, now)
		counts[s.Status]++
		out = append(out, s)
	}
	for st, n := range counts {
		observability.Devices.WithLabelValues(string(st)).Set(float64(n))
	}
	return out, nil
}

// Location is the latest known position of one device.
type Location struct {
	DeviceID  string    `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Provider  string    `json:"provider,omitempty"`
	At        time.Time `json:"at"`
}

// Locations returns the newest location fix per device, ordered by device id.
// A non-empty deviceID restricts the result to that device.
func (c *Console) Locations(deviceID string) []Location {
	latest := make(map[string]events.LocationFix)
	for _, e := range c.streams[events.StreamLocations].Entities() {
		fix, ok := e.(events.LocationFix)
		if !ok || (deviceID != "" && fix.DeviceID != deviceID) {
			continue
		}
		cur, seen := latest[fix.DeviceID]
		if !seen || fix.Timestamp > cur.Timestamp || (fix.Timestamp == cur.Timestamp && fix.Key > cur.Key) {
			latest[fix.DeviceID] = fix
		}
	}
	out := make([]Location, 0, len(latest))
	for _, fix := range latest {
		out = append(out, Location{
			DeviceID:  fix.DeviceID,
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			Accuracy:  fix.Accuracy,
			Provider:  fix.Provider,
			At:        fix.Timestamp.Time(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// DeviceLocation is Locations for a single device.
func (c *Console) DeviceLocation(deviceID string) (Location, bool) {
	locs := c.Locations(deviceID)
	if len(locs) == 0 {
		return Location{}, false
	}
	return locs[0], true
}

// FeedQuery clamps the requested limit to the configured bounds.
func (c *Console) FeedQuery(deviceID string, limit int) activity.Query {
	switch {
	case limit <= 0:
		limit = c.defaultLimit
	case limit > c.maxLimit:
		limit = c.maxLimit
	}
	return activity.Query{DeviceID: deviceID, Limit: limit}
}

func (c *Console) GetActivityFeed(deviceID string, limit int) activity.Feed {
	return c.feed.Feed(c.FeedQuery(deviceID, limit))
}

func (c *Console) SubscribeFeed(deviceID string, limit int) *activity.Subscription {
	return c.feed.Subscribe(c.FeedQuery(deviceID, limit))
}

func (c *Console) IssueCommand(ctx context.Context, req dispatch.Request) (string, error) {
	return c.dispatcher.Issue(ctx, req)
}

func (c *Console) GetCommandState(id string) (ledger.Entry, error) {
	return c.ledger.Get(id)
}

func (c *Console) ListCommands(deviceID string) []ledger.Entry {
	return c.ledger.List(deviceID)
}

func (c *Console) WatchCommand(id string) (*ledger.Watch, error) {
	return c.ledger.Watch(id)
}

type Stats struct {
	Devices    map[presence.Status]int                       `json:"devices"`
	Commands   map[ledger.State]int                          `json:"commands"`
	Sources    map[activity.SourceKind]activity.SourceStatus `json:"sources"`
	AckTimeout string                                        `json:"ack_timeout"`
}

func (c *Console) Stats() Stats {
	st := Stats{
		Devices:    c.tracker.Summary(c.now()),
		Commands:   map[ledger.State]int{},
		Sources:    c.feed.Feed(activity.Query{Limit: 1}).Sources,
		AckTimeout: c.dispatcher.AckTimeout().String(),
	}
	for _, e := range c.ledger.List("") {
		st.Commands[e.State]++
	}
	return st
}
