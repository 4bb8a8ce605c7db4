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

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
)

// maxRequestBody bounds JSON request bodies; a PEM CSR is a few KB.
const maxRequestBody = 1 << 20

// writeJSON writes the standard success envelope: the handler's fields plus
// success and an ISO-8601 timestamp. Handler fields win on collision.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	if _, ok := body["success"]; !ok {
		body["success"] = true
	}
	body["timestamp"] = s.cfg.Clock.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.cfg.Log.Debug("failed to write response", "error", err)
	}
}

// writeError maps err to the error envelope. Control-plane errors carry
// their own status and stable code; trace classifications cover errors
// bubbling up from stores; everything else is a 500 INTERNAL_ERROR.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := statsmqtt.CodeInternal
	message := "internal error, see server logs"
	var details map[string]any

	switch {
	case isCoded(err):
		coded, _ := statsmqtt.AsError(err)
		status = coded.Status
		code = coded.Code
		message = coded.Message
		details = coded.Details
	case trace.IsConnectionProblem(err):
		// A store outage is reported as unavailable, never as a lookup
		// miss.
		status = http.StatusServiceUnavailable
		code = statsmqtt.CodeDatabaseUnavailable
		message = "backing store is unavailable, retry shortly"
	case trace.IsNotFound(err):
		status = http.StatusNotFound
		code = statsmqtt.CodeCertificateNotFound
		message = trace.UserMessage(err)
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
		code = statsmqtt.CodeInvalidCSR
		message = trace.UserMessage(err)
	default:
		s.cfg.Log.Error("unhandled error on "+r.URL.Path,
			"error", err, "debug", trace.DebugReport(err))
	}

	body := map[string]any{
		"success":   false,
		"error":     message,
		"code":      code,
		"timestamp": s.cfg.Clock.Now().UTC().Format(time.RFC3339),
	}
	for key, value := range details {
		body[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.cfg.Log.Debug("failed to write error response", "error", err)
	}
}

func isCoded(err error) bool {
	_, ok := statsmqtt.AsError(err)
	return ok
}

// readJSON decodes a bounded JSON request body. An empty body is not an
// error; required fields are checked by the handlers.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}
