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

// Package statsmqtt contains constants and error codes shared across the
// StatsMQTT Lite provisioning control plane.
package statsmqtt

const (
	// Version is the semantic version of the control plane, reported in
	// registration acks and the health endpoint.
	Version = "1.4.0"

	// Component is the logging attribute key identifying a subsystem.
	Component = "component"

	// ComponentService is the composition root that wires and supervises
	// all subsystems.
	ComponentService = "service"

	// ComponentWeb is the HTTP API server hosting the provisioning
	// protocol and certificate endpoints.
	ComponentWeb = "web"

	// ComponentCA is the certificate authority.
	ComponentCA = "ca"

	// ComponentAudit is the hash-chained audit journal.
	ComponentAudit = "audit"

	// ComponentTransparency is the Merkle certificate transparency log.
	ComponentTransparency = "transparency"

	// ComponentLimiter is the Redis-backed rate limiter.
	ComponentLimiter = "limiter"

	// ComponentProvision is the provisioning token service.
	ComponentProvision = "provision"

	// ComponentTokenStore is the Redis provisioning token store.
	ComponentTokenStore = "tokenstore"

	// ComponentLiveness is the MQTT device liveness tracker.
	ComponentLiveness = "liveness"

	// ComponentDirectory is the read-only user/device directory client.
	ComponentDirectory = "directory"
)
