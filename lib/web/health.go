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
	"encoding/base64"
	"net/http"

	"github.com/statsnapp/statsmqtt"
)

// handleMQTTConfig tells a freshly provisioned device where the broker
// lives and hands it the root certificate to pin.
func (s *Server) handleMQTTConfig(w http.ResponseWriter, r *http.Request) {
	var caCert any
	if pemBytes := s.cfg.CA.CACertPEM(); len(pemBytes) > 0 {
		caCert = base64.StdEncoding.EncodeToString(pemBytes)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"broker":  s.cfg.MQTTHost,
		"port":    s.cfg.MQTTPort,
		"ca_cert": caCert,
	})
}

// handleHealth reports process health. Exempt from rate limiting so
// monitoring keeps working while the service sheds load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"status":  "ok",
		"version": statsmqtt.Version,
	}

	mqtt := map[string]any{"connected": false}
	if s.cfg.Broker != nil {
		mqtt["connected"] = s.cfg.Broker.Connected()
	}
	body["mqtt"] = mqtt

	if s.cfg.Audit != nil {
		sequence, hash := s.cfg.Audit.Head()
		body["audit"] = map[string]any{
			"sequence": sequence,
			"head":     hash,
		}
	}
	if s.cfg.Transparency != nil {
		body["transparency"] = map[string]any{
			"size": s.cfg.Transparency.Size(),
			"root": s.cfg.Transparency.Root(),
		}
	}
	if s.cfg.TokenStore != nil {
		if live, err := s.cfg.TokenStore.Stats(ctx); err == nil {
			body["tokens"] = map[string]any{"live": live}
		} else {
			body["tokens"] = map[string]any{"error": "token store unreachable"}
		}
	}

	s.writeJSON(w, http.StatusOK, body)
}
