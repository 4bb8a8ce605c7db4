/*
Copyright 2024 StatsNapp, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package liveness tracks device liveness over MQTT: registrations on the
// active topic, broker-generated last-will messages on disconnect, and
// PUBACK round trips on outgoing QoS-1 publishes. The outcome is the
// active:{deviceId} cache and the directory's active flag.
package liveness

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/directory"
)

// Device-originated payload types.
const (
	typeRegistration   = "device_registration"
	typeUnregistration = "un_registration"
)

// AuditSink receives device lifecycle events.
type AuditSink interface {
	LogEvent(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

// Config holds tracker configuration.
type Config struct {
	// Broker is the MQTT client. Required.
	Broker Broker
	// Directory receives registration upserts and active flips. Required.
	Directory directory.Directory
	// Cache is the active-device cache. Required.
	Cache *Cache
	// Audit receives device registration events. Required.
	Audit AuditSink
	// TopicPrefix is the topic namespace.
	TopicPrefix string
	// StartupGrace drops all inbound messages right after Start.
	StartupGrace time.Duration
	// Staleness drops messages with an embedded timestamp older than this.
	Staleness time.Duration
	// EchoWindow suppresses echoes of our own publishes.
	EchoWindow time.Duration
	// PubackTimeout bounds the QoS-1 acknowledgment wait.
	PubackTimeout time.Duration
	// ActiveTTL is the cache entry TTL.
	ActiveTTL time.Duration
	// Clock drives staleness and grace decisions.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Directory == nil {
		return trace.BadParameter("missing parameter Directory")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Audit == nil {
		return trace.BadParameter("missing parameter Audit")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaults.MQTTTopicPrefix
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = defaults.StartupGracePeriod
	}
	if c.Staleness == 0 {
		c.Staleness = defaults.MessageStaleness
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = defaults.EchoSuppressionWindow
	}
	if c.PubackTimeout == 0 {
		c.PubackTimeout = defaults.PubackTimeout
	}
	if c.ActiveTTL == 0 {
		c.ActiveTTL = defaults.ActiveDeviceTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentLiveness)
	}
	return nil
}

// Tracker correlates MQTT traffic with the active-device cache.
type Tracker struct {
	cfg     Config
	started time.Time

	// recent maps topic:payload[:100] to the publish time, for echo
	// suppression.
	mu     sync.Mutex
	recent map[string]time.Time
}

// devicePayload is the JSON body of device-originated messages.
type devicePayload struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ClientID       string `json:"clientId"`
	AdManagementOn bool   `json:"adManagementEnabled"`
	BrandCanvasOn  bool   `json:"brandCanvasEnabled"`
	// Timestamp is a millisecond epoch set by the device.
	Timestamp int64 `json:"timestamp"`
}

// New returns a tracker; call Start to subscribe.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tracker{
		cfg:    cfg,
		recent: make(map[string]time.Time),
	}, nil
}

// Start subscribes to the device topics and begins the startup grace
// period.
func (t *Tracker) Start(ctx context.Context) error {
	t.started = t.cfg.Clock.Now()

	subscriptions := map[string]func(context.Context, string, devicePayload){
		"active":    t.handleActive,
		"lwt":       t.handleLWT,
		"status":    t.handleTelemetry,
		"update":    t.handleTelemetry,
		"milestone": t.handleTelemetry,
		"alert":     t.handleTelemetry,
	}
	for suffix, handler := range subscriptions {
		topic := t.cfg.TopicPrefix + "/+/" + suffix
		handler := handler
		err := t.cfg.Broker.Subscribe(topic, 1, func(msg Message) {
			t.dispatch(ctx, msg, handler)
		})
		if err != nil {
			return trace.Wrap(err, "subscribing to %v", topic)
		}
	}
	t.cfg.Log.InfoContext(ctx, "liveness tracker started",
		"prefix", t.cfg.TopicPrefix)
	return nil
}

// Connected reports broker connectivity for the health endpoint.
func (t *Tracker) Connected() bool {
	return t.cfg.Broker.Connected()
}

// dispatch applies the drop rules shared by every subscription, then routes
// to the per-topic handler.
func (t *Tracker) dispatch(ctx context.Context, msg Message, handler func(context.Context, string, devicePayload)) {
	now := t.cfg.Clock.Now()
	if msg.Retained() {
		return
	}
	if now.Sub(t.started) < t.cfg.StartupGrace {
		return
	}
	if t.isEcho(msg.Topic(), msg.Payload(), now) {
		return
	}

	deviceID := deviceFromTopic(t.cfg.TopicPrefix, msg.Topic())
	if deviceID == "" {
		return
	}

	var payload devicePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.cfg.Log.DebugContext(ctx, "dropping unparseable message",
			"topic", msg.Topic(), "error", err)
		return
	}
	if payload.Timestamp > 0 {
		age := now.Sub(time.UnixMilli(payload.Timestamp))
		if age > t.cfg.Staleness {
			t.cfg.Log.DebugContext(ctx, "dropping stale message",
				"topic", msg.Topic(), "age", age)
			return
		}
	}
	handler(ctx, deviceID, payload)
}

// handleActive processes registrations and explicit unregistrations.
func (t *Tracker) handleActive(ctx context.Context, deviceID string, payload devicePayload) {
	switch payload.Type {
	case typeRegistration:
		t.registerDevice(ctx, deviceID, payload)
	case typeUnregistration:
		t.deactivateDevice(ctx, deviceID, "unregistration")
		t.publishAck(ctx, deviceID, "unregistration_ack", map[string]any{
			"success":       true,
			"message":       "device unregistered",
			"deviceId":      deviceID,
			"serverVersion": statsmqtt.Version,
		})
	default:
		t.cfg.Log.DebugContext(ctx, "ignoring active message with unknown type",
			"device_id", deviceID, "type", payload.Type)
	}
}

// handleLWT processes the broker-generated last will after any disconnect.
func (t *Tracker) handleLWT(ctx context.Context, deviceID string, payload devicePayload) {
	if payload.Type != typeUnregistration {
		return
	}
	t.deactivateDevice(ctx, deviceID, "lwt")
}

// handleTelemetry touches lastSeen for routine device traffic.
func (t *Tracker) handleTelemetry(ctx context.Context, deviceID string, payload devicePayload) {
	if err := t.cfg.Cache.Touch(ctx, deviceID,
		t.cfg.Clock.Now().UnixMilli(), t.cfg.ActiveTTL); err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to touch active device",
			"device_id", deviceID, "error", err)
	}
}

func (t *Tracker) registerDevice(ctx context.Context, deviceID string, payload devicePayload) {
	now := t.cfg.Clock.Now()
	isNew, err := t.cfg.Directory.UpsertDevice(ctx, directory.Device{
		DeviceID:       deviceID,
		UserID:         payload.UserID,
		Active:         true,
		AdManagementOn: payload.AdManagementOn,
		BrandCanvasOn:  payload.BrandCanvasOn,
		LastSeen:       ptrTime(now.UTC()),
	})
	if err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to upsert registration",
			"device_id", deviceID, "error", err)
		return
	}

	if err := t.cfg.Cache.Set(ctx, ActiveDevice{
		DeviceID:       deviceID,
		UserID:         payload.UserID,
		AdManagementOn: payload.AdManagementOn,
		BrandCanvasOn:  payload.BrandCanvasOn,
		LastSeen:       now.UnixMilli(),
	}, t.cfg.ActiveTTL); err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to cache active device",
			"device_id", deviceID, "error", err)
	}

	if _, err := t.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:    audit.EventDeviceRegistered,
		DeviceID: deviceID,
		UserID:   payload.UserID,
		Details:  map[string]any{"is_new": isNew},
	}); err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to audit registration",
			"device_id", deviceID, "error", err)
	}

	t.publishAck(ctx, deviceID, "registration_ack", map[string]any{
		"success":       true,
		"message":       "device registered",
		"deviceId":      deviceID,
		"isNewDevice":   isNew,
		"serverVersion": statsmqtt.Version,
	})
	t.cfg.Log.InfoContext(ctx, "device registered",
		"device_id", deviceID, "is_new", isNew)
}

func (t *Tracker) deactivateDevice(ctx context.Context, deviceID, reason string) {
	if err := t.cfg.Directory.SetDeviceActive(ctx, deviceID, false); err != nil && !trace.IsNotFound(err) {
		t.cfg.Log.WarnContext(ctx, "failed to deactivate device",
			"device_id", deviceID, "error", err)
	}
	if err := t.cfg.Cache.Delete(ctx, deviceID); err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to drop active cache entry",
			"device_id", deviceID, "error", err)
	}
	if _, err := t.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:    audit.EventDeviceUnregistered,
		DeviceID: deviceID,
		Details:  map[string]any{"reason": reason},
	}); err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to audit unregistration",
			"device_id", deviceID, "error", err)
	}
	t.cfg.Log.InfoContext(ctx, "device deactivated",
		"device_id", deviceID, "reason", reason)
}

// publishAck sends a QoS-1 acknowledgment and tracks its PUBACK: an ack
// within the deadline touches lastSeen, a timeout deactivates the device.
func (t *Tracker) publishAck(ctx context.Context, deviceID, suffix string, body map[string]any) {
	payload, err := json.Marshal(body)
	if err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to encode ack", "error", err)
		return
	}
	topic := t.cfg.TopicPrefix + "/" + deviceID + "/" + suffix
	t.rememberPublish(topic, payload)

	delivery, err := t.cfg.Broker.Publish(topic, 1, false, payload)
	if err != nil {
		t.cfg.Log.WarnContext(ctx, "failed to publish ack",
			"topic", topic, "error", err)
		return
	}
	go t.awaitPuback(ctx, deviceID, topic, delivery)
}

// awaitPuback resolves one tracked QoS-1 publish.
func (t *Tracker) awaitPuback(ctx context.Context, deviceID, topic string, delivery Delivery) {
	timer := t.cfg.Clock.NewTimer(t.cfg.PubackTimeout)
	defer timer.Stop()

	select {
	case <-delivery.Done():
		if err := delivery.Error(); err != nil {
			t.cfg.Log.WarnContext(ctx, "publish failed", "topic", topic, "error", err)
			return
		}
		if err := t.cfg.Cache.Touch(ctx, deviceID,
			t.cfg.Clock.Now().UnixMilli(), t.cfg.ActiveTTL); err != nil {
			t.cfg.Log.WarnContext(ctx, "failed to touch active device",
				"device_id", deviceID, "error", err)
		}
	case <-timer.Chan():
		t.cfg.Log.WarnContext(ctx, "puback deadline exceeded, deactivating device",
			"device_id", deviceID, "topic", topic)
		t.deactivateDevice(ctx, deviceID, "puback_timeout")
	case <-ctx.Done():
	}
}

// rememberPublish records topic:payload[:100] so the broker echoing our own
// message back does not loop through the handlers.
func (t *Tracker) rememberPublish(topic string, payload []byte) {
	key := echoKey(topic, payload)
	now := t.cfg.Clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent[key] = now
	// Opportunistic sweep keeps the map from growing unbounded.
	for k, at := range t.recent {
		if now.Sub(at) > t.cfg.EchoWindow {
			delete(t.recent, k)
		}
	}
}

func (t *Tracker) isEcho(topic string, payload []byte, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.recent[echoKey(topic, payload)]
	return ok && now.Sub(at) <= t.cfg.EchoWindow
}

func echoKey(topic string, payload []byte) string {
	if len(payload) > 100 {
		payload = payload[:100]
	}
	return topic + ":" + string(payload)
}

// deviceFromTopic extracts the device id from {prefix}/{deviceId}/{suffix}.
func deviceFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return ""
	}
	deviceID, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return deviceID
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
