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

// Package service is the composition root: it owns every store connection
// and collaborator, wires them together, and runs the HTTP listener and
// the MQTT tracker until shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/authn"
	"github.com/statsnapp/statsmqtt/lib/ca"
	"github.com/statsnapp/statsmqtt/lib/config"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/directory"
	"github.com/statsnapp/statsmqtt/lib/limiter"
	"github.com/statsnapp/statsmqtt/lib/liveness"
	"github.com/statsnapp/statsmqtt/lib/provision"
	"github.com/statsnapp/statsmqtt/lib/tokenstore"
	"github.com/statsnapp/statsmqtt/lib/transparency"
	"github.com/statsnapp/statsmqtt/lib/web"
)

// Service is the assembled control plane.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	redisClient redis.UniversalClient
	pgPool      *pgxpool.Pool
	chConn      driver.Conn

	auditLog     *audit.Log
	transparency *transparency.Log
	authority    *ca.Authority
	tracker      *liveness.Tracker
	broker       liveness.Broker
	httpServer   *http.Server
}

// New assembles the control plane from the resolved configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg:   cfg,
		log:   slog.With(statsmqtt.Component, statsmqtt.ComponentService),
		clock: clockwork.NewRealClock(),
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, trace.BadParameter("invalid REDIS_URL: %v", err)
	}
	redisOpts.DialTimeout = defaults.RedisDialTimeout
	s.redisClient = redis.NewClient(redisOpts)

	// The journal and transparency stores live in ClickHouse when
	// configured; otherwise entries stay in process memory, which is only
	// acceptable for development.
	var auditStore audit.Store = audit.NewMemoryStore()
	var ctStore transparency.Store = transparency.NewMemoryStore()
	var limiterRecorder limiter.Recorder
	if cfg.ClickHouseURL != "" {
		chOpts, err := clickhouse.ParseDSN(cfg.ClickHouseURL)
		if err != nil {
			return nil, trace.BadParameter("invalid CLICKHOUSE_URL: %v", err)
		}
		s.chConn, err = clickhouse.Open(chOpts)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "connecting to clickhouse")
		}
		chAudit, err := audit.NewClickHouseStore(ctx, s.chConn)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		auditStore = chAudit
		chCT, err := transparency.NewClickHouseStore(ctx, s.chConn)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ctStore = chCT
		recorder, err := limiter.NewClickHouseRecorder(ctx, s.chConn)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		limiterRecorder = recorder
	} else {
		s.log.WarnContext(ctx, "CLICKHOUSE_URL is not set, audit and transparency entries are held in memory")
	}

	s.auditLog, err = audit.NewLog(audit.Config{
		Store:       auditStore,
		FallbackDir: cfg.CAStoragePath,
		Clock:       s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.auditLog.Initialize(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.TransparencyLogEnabled {
		s.transparency, err = transparency.NewLog(transparency.Config{
			Store: ctStore,
			Clock: s.clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := s.transparency.Initialize(ctx); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	// Certificate rows and the device directory live in Postgres when
	// configured.
	var records ca.Records = ca.NewMemoryRecords()
	var dir directory.Directory = directory.NewMemoryDirectory()
	if cfg.PostgresURL != "" {
		s.pgPool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "connecting to postgres")
		}
		pgRecords, err := ca.NewPGRecords(ctx, s.pgPool)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		records = pgRecords
		pgDir, err := directory.NewPGDirectory(ctx, s.pgPool)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		dir = pgDir
	} else {
		s.log.WarnContext(ctx, "POSTGRES_URL is not set, certificate records and the directory are held in memory")
	}

	var transparencySink ca.TransparencyLog
	if s.transparency != nil {
		transparencySink = s.transparency
	}
	s.authority, err = ca.New(ca.Config{
		Records:                records,
		Audit:                  s.auditLog,
		Transparency:           transparencySink,
		StoragePath:            cfg.CAStoragePath,
		RootCAValidityYears:    cfg.RootCAValidityYears,
		DeviceCertValidityDays: cfg.DeviceCertValidityDays,
		CNPrefix:               cfg.CertCNPrefix,
		CNFormat:               ca.CNFormat(cfg.CertCNFormat),
		RenewalWindowDays:      cfg.CertRenewalWindowDays,
		GracePeriodDays:        cfg.CertGracePeriodDays,
		Clock:                  s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.authority.Initialize(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	tokens, err := tokenstore.New(tokenstore.Config{Client: s.redisClient})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	provService, err := provision.New(provision.Config{
		Secret:   cfg.JWTSecret,
		Store:    tokens,
		Audit:    s.auditLog,
		TokenTTL: cfg.ProvisioningTokenTTL,
		Clock:    s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	lim, err := limiter.New(limiter.Config{
		Client: s.redisClient,
		Caps: limiter.Caps{
			Window:                  cfg.RateLimitWindow,
			GlobalPerMinute:         int64(cfg.GlobalRequestsPerMinute),
			PerIP:                   int64(cfg.RequestsPerIP),
			ProvisioningPerIP:       int64(cfg.ProvisioningPerIP),
			ProvisioningPerDevice:   int64(cfg.ProvisioningPerDevice),
			CSRGlobalPerMinute:      int64(cfg.CSRGlobalPerMinute),
			CSRPerIP:                int64(cfg.CSRPerIP),
			CSRPerProvisionedDevice: int64(cfg.CSRPerProvisionedDevice),
			CSRPerUnprovisionedIP:   int64(cfg.CSRPerUnprovisionedIP),
		},
		Recorder: limiterRecorder,
		Clock:    s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	verifier, err := authn.NewVerifier(cfg.AuthSecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.MQTTBroker != "" {
		s.broker, err = liveness.NewPahoBroker(liveness.BrokerConfig{
			URL:      cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cache, err := liveness.NewCache(s.redisClient)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.tracker, err = liveness.New(liveness.Config{
			Broker:      s.broker,
			Directory:   dir,
			Cache:       cache,
			Audit:       s.auditLog,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Clock:       s.clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		s.log.WarnContext(ctx, "MQTT_BROKER is not set, liveness tracking is disabled")
	}

	var brokerStatus web.BrokerStatus
	if s.tracker != nil {
		brokerStatus = s.tracker
	}
	server, err := web.NewServer(web.Config{
		Verifier:                      verifier,
		Directory:                     dir,
		Provision:                     provService,
		CA:                            s.authority,
		Limiter:                       lim,
		Audit:                         s.auditLog,
		Transparency:                  s.transparency,
		TokenStore:                    tokens,
		Broker:                        brokerStatus,
		MQTTHost:                      cfg.MQTTBroker,
		MQTTPort:                      cfg.MQTTPort,
		AllowOnboardingWithActiveCert: cfg.AllowOnboardingWithActiveCert,
		Clock:                         s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      server,
		ReadTimeout:  defaults.HTTPReadTimeout,
		WriteTimeout: defaults.HTTPWriteTimeout,
		IdleTimeout:  defaults.HTTPIdleTimeout,
	}
	return s, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	if s.tracker != nil {
		if err := s.tracker.Start(ctx); err != nil {
			return trace.Wrap(err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "listening", "addr", s.httpServer.Addr,
			"version", statsmqtt.Version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	s.log.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	return trace.Wrap(err)
}

// Close releases every store connection.
func (s *Service) Close() {
	if s.broker != nil {
		s.broker.Disconnect()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.chConn != nil {
		s.chConn.Close()
	}
}
