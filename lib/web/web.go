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

// Package web is the HTTP surface of the control plane: the two-stage
// provisioning protocol (onboarding, sign-csr), certificate lookup and
// revocation, broker discovery, and health.
package web

import (
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/authn"
	"github.com/statsnapp/statsmqtt/lib/ca"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/directory"
	"github.com/statsnapp/statsmqtt/lib/limiter"
	"github.com/statsnapp/statsmqtt/lib/provision"
	"github.com/statsnapp/statsmqtt/lib/tokenstore"
	"github.com/statsnapp/statsmqtt/lib/transparency"
)

// BrokerStatus reports the MQTT connection for the health endpoint.
type BrokerStatus interface {
	Connected() bool
}

// Config holds the web server's collaborators.
type Config struct {
	// Verifier checks bearer session tokens. Required.
	Verifier *authn.Verifier
	// Directory confirms users and device ownership. Required.
	Directory directory.Directory
	// Provision issues and validates provisioning tokens. Required.
	Provision *provision.Service
	// CA signs CSRs and owns certificate records. Required.
	CA *ca.Authority
	// Limiter guards the provisioning and CSR paths. Nil disables limiting.
	Limiter *limiter.Limiter
	// Audit exposes the chain head on health. Optional.
	Audit *audit.Log
	// Transparency exposes the root hash on health. Optional.
	Transparency *transparency.Log
	// TokenStore exposes live-token stats on health. Optional.
	TokenStore *tokenstore.Store
	// Broker reports MQTT connectivity on health. Optional.
	Broker BrokerStatus
	// MQTTHost and MQTTPort are advertised on /v1/mqtt-config.
	MQTTHost string
	MQTTPort int
	// AllowOnboardingWithActiveCert skips the active-certificate conflict
	// on onboarding. Development override only.
	AllowOnboardingWithActiveCert bool
	// Clock stamps response timestamps.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Directory == nil {
		return trace.BadParameter("missing parameter Directory")
	}
	if c.Provision == nil {
		return trace.BadParameter("missing parameter Provision")
	}
	if c.CA == nil {
		return trace.BadParameter("missing parameter CA")
	}
	if c.MQTTPort == 0 {
		c.MQTTPort = defaults.MQTTPort
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentWeb)
	}
	return nil
}

// Server is the control plane HTTP handler.
type Server struct {
	cfg     Config
	handler http.Handler
}

// NewServer builds the router and wires the rate-limit middlewares.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg}

	router := httprouter.New()
	router.Handler(http.MethodPost, "/api/v1/onboarding",
		s.provisioningLimit(http.HandlerFunc(s.handleOnboarding)))
	router.Handler(http.MethodPost, "/api/v1/sign-csr",
		s.csrLimit(http.HandlerFunc(s.handleSignCSR)))
	router.Handler(http.MethodGet, "/api/v1/certificates/:id/download",
		http.HandlerFunc(s.handleCertificateDownload))
	router.Handler(http.MethodGet, "/api/v1/certificates/:id/status",
		http.HandlerFunc(s.handleCertificateStatus))
	router.Handler(http.MethodDelete, "/api/v1/certificates/:id",
		http.HandlerFunc(s.handleCertificateRevoke))
	router.Handler(http.MethodGet, "/v1/mqtt-config",
		http.HandlerFunc(s.handleMQTTConfig))
	router.Handler(http.MethodGet, "/health",
		http.HandlerFunc(s.handleHealth))

	var handler http.Handler = router
	if cfg.Limiter != nil {
		handler = cfg.Limiter.Global(handler)
	}
	s.handler = handler
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) provisioningLimit(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return s.cfg.Limiter.Provisioning(next)
}

func (s *Server) csrLimit(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	// Tier selection peeks the provisioning token without verifying it;
	// authorization happens later in the handler proper.
	return s.cfg.Limiter.CSR(func(r *http.Request) string {
		token, err := signCSRToken(r)
		if err != nil || token == "" {
			return ""
		}
		return provision.PeekDeviceID(token)
	}, next)
}

// param returns a path parameter captured by the router.
func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}
