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
	"context"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
)

// "limit" is a ClickHouse keyword and must stay quoted everywhere it
// appears.
const eventsTableSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_events (
	timestamp  DateTime64(3, 'UTC'),
	limit_type LowCardinality(String),
	endpoint   LowCardinality(String),
	ip         String,
	count      Int64,
	"limit"    Int64,
	remaining  Int64
) ENGINE = MergeTree()
ORDER BY timestamp
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

const eventsInsertQuery = `
	INSERT INTO rate_limit_events
		(timestamp, limit_type, endpoint, ip, count, "limit", remaining)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// ClickHouseRecorder writes rejections to the rate_limit_events table.
// Writes are fire-and-forget on the caller's path: a slow analytics store
// must not slow down the rejection response.
type ClickHouseRecorder struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseRecorder ensures the rate_limit_events table exists and
// returns a recorder over it.
func NewClickHouseRecorder(ctx context.Context, conn driver.Conn) (*ClickHouseRecorder, error) {
	if conn == nil {
		return nil, trace.BadParameter("missing parameter conn")
	}
	if err := conn.Exec(ctx, eventsTableSchema); err != nil {
		return nil, trace.ConnectionProblem(err, "creating rate_limit_events table")
	}
	return &ClickHouseRecorder{
		conn: conn,
		log:  slog.With(statsmqtt.Component, statsmqtt.ComponentLimiter),
	}, nil
}

// RecordRejection implements Recorder.
func (r *ClickHouseRecorder) RecordRejection(event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.conn.Exec(ctx, eventsInsertQuery,
			event.Timestamp, event.LimitType, event.Endpoint, event.IP,
			event.Count, event.Limit, event.Remaining)
		if err != nil {
			r.log.Warn("failed to record rate limit event", "error", err)
		}
	}()
}
