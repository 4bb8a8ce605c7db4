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

// Package limiter implements the tiered Redis-backed rate limiter guarding
// the provisioning and CSR signing paths. Each middleware runs a sequence of
// independent counter checks; the first counter whose post-increment value
// exceeds its cap rejects the request with a retry hint equal to the
// counter's remaining TTL. If Redis is unreachable the limiter fails open:
// certificate issuance must not depend on the cache being up.
package limiter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/defaults"
)

// Event is a recorded rate-limit rejection.
type Event struct {
	Timestamp time.Time
	LimitType string
	Endpoint  string
	IP        string
	Count     int64
	Limit     int64
	Remaining int64
}

// Caps configures every counter cap. Zero values fall back to defaults.
type Caps struct {
	GlobalPerMinute         int64
	PerIP                   int64
	ProvisioningPerIP       int64
	ProvisioningPerDevice   int64
	CSRGlobalPerMinute      int64
	CSRPerIP                int64
	CSRPerProvisionedDevice int64
	CSRPerUnprovisionedIP   int64
	Window                  time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// Client is the shared Redis client.
	Client redis.UniversalClient
	// Caps are the per-counter limits.
	Caps Caps
	// Recorder, when set, receives every rejection.
	Recorder Recorder
	// Clock buckets the per-minute counters.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// Recorder persists rate-limit rejections.
type Recorder interface {
	RecordRejection(event Event)
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Caps.GlobalPerMinute == 0 {
		c.Caps.GlobalPerMinute = defaults.GlobalRequestsPerMinute
	}
	if c.Caps.PerIP == 0 {
		c.Caps.PerIP = defaults.RequestsPerIP
	}
	if c.Caps.ProvisioningPerIP == 0 {
		c.Caps.ProvisioningPerIP = defaults.ProvisioningPerIP
	}
	if c.Caps.ProvisioningPerDevice == 0 {
		c.Caps.ProvisioningPerDevice = defaults.ProvisioningPerDevice
	}
	if c.Caps.CSRGlobalPerMinute == 0 {
		c.Caps.CSRGlobalPerMinute = defaults.CSRGlobalPerMinute
	}
	if c.Caps.CSRPerIP == 0 {
		c.Caps.CSRPerIP = defaults.CSRPerIP
	}
	if c.Caps.CSRPerProvisionedDevice == 0 {
		c.Caps.CSRPerProvisionedDevice = defaults.CSRPerProvisionedDevice
	}
	if c.Caps.CSRPerUnprovisionedIP == 0 {
		c.Caps.CSRPerUnprovisionedIP = defaults.CSRPerUnprovisionedIP
	}
	if c.Caps.Window == 0 {
		c.Caps.Window = defaults.RateLimitWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentLimiter)
	}
	return nil
}

// Limiter owns the Redis counters behind the three middlewares.
type Limiter struct {
	cfg Config
}

// New returns a limiter over the configured Redis client.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{cfg: cfg}, nil
}

// check is one counter in a middleware's sequence.
type check struct {
	key       string
	cap       int64
	window    time.Duration
	limitType string
}

// Global is the outermost middleware: process-wide and per-IP counters.
// GET /health is exempt from all counters.
func (l *Limiter) Global(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		checks := []check{
			{key: fmt.Sprintf("rl:global:%d", l.minute()), cap: l.cfg.Caps.GlobalPerMinute, window: time.Minute, limitType: "global"},
			{key: "rl:ip:" + ip, cap: l.cfg.Caps.PerIP, window: l.cfg.Caps.Window, limitType: "ip"},
		}
		l.run(w, r, next, checks)
	})
}

// Provisioning guards the onboarding endpoint: per-IP plus, when the body
// carries a device id, per-device.
func (l *Limiter) Provisioning(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		checks := []check{
			{key: "rl:prov:ip:" + ip, cap: l.cfg.Caps.ProvisioningPerIP, window: l.cfg.Caps.Window, limitType: "provisioning_ip"},
		}
		if device := peekDeviceID(r); device != "" {
			checks = append(checks, check{
				key: "rl:prov:device:" + device, cap: l.cfg.Caps.ProvisioningPerDevice,
				window: l.cfg.Caps.Window, limitType: "provisioning_device",
			})
		}
		l.run(w, r, next, checks)
	})
}

// DeviceResolver extracts the device identity a CSR request is acting for,
// typically from its provisioning token. An empty result routes the request
// to the tighter unprovisioned tier.
type DeviceResolver func(r *http.Request) string

// CSR guards the signing endpoint: global and per-IP counters, then either
// the per-device or the unprovisioned per-IP tier.
func (l *Limiter) CSR(resolve DeviceResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		checks := []check{
			{key: fmt.Sprintf("csr:global:%d", l.minute()), cap: l.cfg.Caps.CSRGlobalPerMinute, window: time.Minute, limitType: "csr_global"},
			{key: "csr:ip:" + ip, cap: l.cfg.Caps.CSRPerIP, window: l.cfg.Caps.Window, limitType: "csr_ip"},
		}
		if device := resolve(r); device != "" {
			checks = append(checks, check{
				key: "csr:provisioned:" + device, cap: l.cfg.Caps.CSRPerProvisionedDevice,
				window: l.cfg.Caps.Window, limitType: "csr_provisioned",
			})
		} else {
			checks = append(checks, check{
				key: "csr:unprovisioned:" + ip, cap: l.cfg.Caps.CSRPerUnprovisionedIP,
				window: l.cfg.Caps.Window, limitType: "csr_unprovisioned",
			})
		}
		l.run(w, r, next, checks)
	})
}

func (l *Limiter) run(w http.ResponseWriter, r *http.Request, next http.Handler, checks []check) {
	ctx := r.Context()
	for _, c := range checks {
		count, err := l.cfg.Client.Incr(ctx, c.key).Result()
		if err != nil {
			// Fail open: a cache outage must not block issuance.
			l.cfg.Log.WarnContext(ctx, "rate limiter store unavailable, failing open",
				"key", c.key, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := l.cfg.Client.Expire(ctx, c.key, c.window).Err(); err != nil {
				l.cfg.Log.WarnContext(ctx, "failed to set counter TTL", "key", c.key, "error", err)
			}
		}
		if count > c.cap {
			ttl, err := l.cfg.Client.TTL(ctx, c.key).Result()
			if err != nil || ttl < 0 {
				ttl = c.window
			}
			l.reject(w, r, c, count, ttl)
			return
		}
	}
	next.ServeHTTP(w, r)
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, c check, count int64, ttl time.Duration) {
	retryAfter := int64(ttl.Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	if l.cfg.Recorder != nil {
		l.cfg.Recorder.RecordRejection(Event{
			Timestamp: l.cfg.Clock.Now().UTC(),
			LimitType: c.limitType,
			Endpoint:  r.URL.Path,
			IP:        clientIP(r),
			Count:     count,
			Limit:     c.cap,
			Remaining: 0,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(c.cap, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(l.cfg.Clock.Now().Add(ttl).Unix(), 10))
	w.Header().Set("X-RateLimit-Type", c.limitType)
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"error":      string(statsmqtt.CodeRateLimitExceeded),
		"retryAfter": retryAfter,
		"limit":      c.cap,
		"window":     int64(c.window.Seconds()),
		"type":       c.limitType,
		"timestamp":  l.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (l *Limiter) minute() int64 {
	return l.cfg.Clock.Now().Unix() / 60
}

// clientIP prefers X-Forwarded-For so counters survive a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// peekDeviceID reads the request body for a device_id field and restores the
// body for downstream handlers.
func peekDeviceID(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.DeviceID
}
