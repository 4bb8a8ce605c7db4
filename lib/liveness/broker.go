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

package liveness

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt/lib/defaults"
)

// Message is one inbound MQTT message.
type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

// Delivery tracks an in-flight QoS-1 publish until its PUBACK.
type Delivery interface {
	// Done closes when the broker acknowledged the publish.
	Done() <-chan struct{}
	// Error is non-nil after Done when the publish failed.
	Error() error
}

// Broker is the thin slice of an MQTT client the tracker needs. The paho
// client satisfies it through PahoBroker; tests use an in-process fake.
type Broker interface {
	Subscribe(topic string, qos byte, handler func(Message)) error
	Publish(topic string, qos byte, retained bool, payload []byte) (Delivery, error)
	Connected() bool
	Disconnect()
}

// BrokerConfig configures the paho-backed broker client.
type BrokerConfig struct {
	// URL is the broker URL, e.g. ssl://broker:8883.
	URL string
	// ClientID identifies this process to the broker.
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// MaxReconnectAttempts caps the reconnect schedule; after the cap the
	// client stays down until the process restarts.
	MaxReconnectAttempts int
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *BrokerConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("statsmqtt-%d", time.Now().Unix())
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaults.MQTTReconnectMaxAttempts
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// PahoBroker adapts the paho MQTT client to the Broker contract.
type PahoBroker struct {
	cfg    BrokerConfig
	client mqtt.Client
}

// NewPahoBroker connects to the broker with a bounded reconnect schedule.
func NewPahoBroker(cfg BrokerConfig) (*PahoBroker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	attempts := 0
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetryInterval(defaults.MQTTReconnectBaseDelay).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		attempts++
		cfg.Log.Warn("mqtt connection lost", "attempt", attempts, "error", err)
		if attempts >= cfg.MaxReconnectAttempts {
			cfg.Log.Error("mqtt reconnect attempts exhausted, staying disconnected",
				"attempts", attempts)
			client.Disconnect(250)
		}
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		attempts = 0
		cfg.Log.Info("mqtt connected", "broker", cfg.URL)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, trace.ConnectionProblem(nil, "timed out connecting to %v", cfg.URL)
	}
	if err := token.Error(); err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to %v", cfg.URL)
	}
	return &PahoBroker{cfg: cfg, client: client}, nil
}

// Subscribe implements Broker.
func (b *PahoBroker) Subscribe(topic string, qos byte, handler func(Message)) error {
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg)
	})
	token.Wait()
	return trace.Wrap(token.Error())
}

// Publish implements Broker.
func (b *PahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) (Delivery, error) {
	token := b.client.Publish(topic, qos, retained, payload)
	return token, nil
}

// Connected implements Broker.
func (b *PahoBroker) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Disconnect implements Broker.
func (b *PahoBroker) Disconnect() {
	b.client.Disconnect(250)
}
