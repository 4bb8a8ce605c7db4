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

package limiter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureRecorder) RecordRejection(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func newTestLimiter(t *testing.T, caps Caps) (*Limiter, *miniredis.Miniredis, *captureRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rec := &captureRecorder{}
	lim, err := New(Config{
		Client:   client,
		Caps:     caps,
		Recorder: rec,
		Clock:    clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return lim, mr, rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, ip, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	r.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestCapBoundary(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Caps{CSRPerIP: 5})
	h := lim.CSR(func(*http.Request) string { return "d-1" }, okHandler())

	// Exactly at cap the request is allowed; at cap+1 it is rejected.
	for i := 0; i < 5; i++ {
		w := doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.9", "{}")
		require.Equal(t, http.StatusOK, w.Code, "request %d within cap", i+1)
	}
	w := doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.9", "{}")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "csr_ip", w.Header().Get("X-RateLimit-Type"))
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
	require.Equal(t, "csr_ip", body["type"])
}

func TestRetryAfterTracksCounterTTL(t *testing.T) {
	lim, mr, _ := newTestLimiter(t, Caps{CSRPerIP: 1, Window: 15 * time.Minute})
	h := lim.CSR(func(*http.Request) string { return "d-1" }, okHandler())

	doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.9", "{}")
	mr.FastForward(10 * time.Minute)
	w := doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.9", "{}")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// 5 minutes of the window remain, give or take a second.
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	retryAfter := int64(body["retryAfter"].(float64))
	require.InDelta(t, 300, retryAfter, 1)
}

func TestUnprovisionedTierIsTighter(t *testing.T) {
	lim, _, rec := newTestLimiter(t, Caps{CSRPerUnprovisionedIP: 3, CSRPerIP: 100})
	h := lim.CSR(func(*http.Request) string { return "" }, okHandler())

	for i := 0; i < 3; i++ {
		w := doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.7", "{}")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(t, h, "POST", "/api/v1/sign-csr", "10.0.0.7", "{}")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "csr_unprovisioned", w.Header().Get("X-RateLimit-Type"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	require.Equal(t, "csr_unprovisioned", rec.events[0].LimitType)
	require.Equal(t, "10.0.0.7", rec.events[0].IP)
}

func TestProvisioningPerDeviceCounter(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Caps{ProvisioningPerDevice: 2, ProvisioningPerIP: 100})
	h := lim.Provisioning(okHandler())

	body := `{"device_id":"d-42"}`
	for i := 0; i < 2; i++ {
		w := doRequest(t, h, "POST", "/api/v1/onboarding", "10.0.0.1", body)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(t, h, "POST", "/api/v1/onboarding", "10.0.0.1", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "provisioning_device", w.Header().Get("X-RateLimit-Type"))

	// A different device from the same address is not affected.
	w = doRequest(t, h, "POST", "/api/v1/onboarding", "10.0.0.1", `{"device_id":"d-43"}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthIsExempt(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Caps{GlobalPerMinute: 1, PerIP: 1})
	h := lim.Global(okHandler())

	for i := 0; i < 10; i++ {
		w := doRequest(t, h, "GET", "/health", "10.0.0.2", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	lim, mr, _ := newTestLimiter(t, Caps{PerIP: 1})
	h := lim.Global(okHandler())
	mr.Close()

	for i := 0; i < 5; i++ {
		w := doRequest(t, h, "POST", "/api/v1/onboarding", "10.0.0.3", "{}")
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestBodyRestoredAfterPeek(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Caps{})
	var seen string
	h := lim.Provisioning(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DeviceID string `json:"device_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen = body.DeviceID
	}))

	doRequest(t, h, "POST", "/api/v1/onboarding", "10.0.0.4", `{"device_id":"d-9"}`)
	require.Equal(t, "d-9", seen)
}
