// Package mqttintegration bridges the value store to an MQTT broker
// in the shape of Zigbee2MQTT: each device publishes its state as a
// single JSON object on "<prefix>/<device>", keyed by feature name,
// and accepts writes on "<prefix>/<device>/set".
//
// Grounded on the teacher's internal/mqtt package — autopaho connection
// management (OnConnectionUp/OnConnectError, will message, periodic
// reconnect handling), the rate limiter and panic-recovering message
// handler from subscriber.go — adapted from "publish this process's
// own sensor state" to "bridge device ValueId <-> MQTT topic",
// satisfying internal/adapter's Ingress/Egress contract.
package mqttintegration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ksev-successor/bramble/internal/adapter"
	"github.com/ksev-successor/bramble/internal/config"
	"github.com/ksev-successor/bramble/internal/store"
)

// Bridge is both the Ingress and Egress half of the MQTT integration:
// one connection, one set of owned devices.
type Bridge struct {
	cfg      config.MQTTConfig
	store    *store.Store
	catalog  adapter.FeatureLookup
	logger   *slog.Logger
	ownsDevices map[string]bool // nil means "owns every device"

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	rateLimiter *messageRateLimiter
}

// New constructs a Bridge. A nil logger defaults to slog.Default(). A
// nil or empty ownsDevices means the bridge claims every device on the
// egress path (suitable for a single-bridge deployment); pass a
// populated set to shard devices across multiple bridges.
func New(cfg config.MQTTConfig, st *store.Store, cat adapter.FeatureLookup, ownsDevices map[string]bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, store: st, catalog: cat, ownsDevices: ownsDevices, logger: logger}
}

func (b *Bridge) Name() string { return "mqtt" }

// Run connects to the broker, wires ingress (inbound state topics)
// and egress (the store's outgoing topic), and blocks until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqttintegration: parse broker url: %w", err)
	}

	stateFilter := b.cfg.TopicPrefix + "/+"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(b.cfg.KeepAliveSec),
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqttintegration connected", "broker", b.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: stateFilter, QoS: byte(b.cfg.QoS)}},
			}); err != nil {
				b.logger.Error("mqttintegration subscribe failed", "topic", stateFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqttintegration connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttintegration: connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	b.rateLimiter = newMessageRateLimiter(500, time.Second, b.logger)
	go b.rateLimiter.start(ctx)

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.rateLimiter.allow() {
			return true, nil
		}
		b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqttintegration initial connection timed out, retrying in background", "error", err)
	}

	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		b.runEgress(ctx, cm)
	}()

	<-ctx.Done()
	<-egressDone
	return cm.Disconnect(context.Background())
}

// handleMessage decodes a Zigbee2MQTT-shaped device state object
// ("<prefix>/<device>" -> {"feature": value, ...}) and writes each
// feature into the store. Decode failures are recorded per-value, not
// per-connection, per spec.md §7's IntegrationError policy: the
// adapter keeps running.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mqttintegration message handler panicked", "topic", topic, "panic", r)
		}
	}()

	deviceID := deviceFromTopic(topic, b.cfg.TopicPrefix)
	if deviceID == "" {
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		id := adapter.ValueID(deviceID, "state")
		b.store.SetCurrent(id, store.Error(fmt.Sprintf("mqttintegration: decode %s: %v", topic, err)))
		return
	}

	for feature, raw := range fields {
		id := adapter.ValueID(deviceID, feature)
		b.store.SetCurrent(id, store.Ok(raw))
	}
}

// runEgress subscribes to the store's outgoing topic and publishes
// owned-device writes to "<prefix>/<device>/set".
func (b *Bridge) runEgress(ctx context.Context, cm *autopaho.ConnectionManager) {
	sub := b.store.PushSubscribe()
	defer sub.Unsubscribe()

	for {
		push, ok := sub.Recv(ctx)
		if !ok {
			return
		}
		deviceID := push.ID.DeviceID()
		if len(b.ownsDevices) > 0 && !b.ownsDevices[deviceID] {
			continue
		}

		feature := push.ID.FeatureID()
		payload := encodePushPayload(b.catalog, deviceID, feature, push.Value)

		topic := b.cfg.TopicPrefix + "/" + deviceID + "/set"
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := cm.Publish(pubCtx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     byte(b.cfg.QoS),
		})
		cancel()
		if err != nil {
			b.logger.Warn("mqttintegration egress publish failed", "topic", topic, "error", err)
		}
	}
}

// encodePushPayload applies the feature's bool coercion, if any, and
// falls back to the raw JSON bytes for everything else.
func encodePushPayload(cat adapter.FeatureLookup, deviceID, feature string, value json.RawMessage) []byte {
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return value
	}
	if cat == nil {
		return value
	}
	f, err := cat.GetFeature(deviceID, feature)
	if err != nil {
		return value
	}
	return []byte(fmt.Sprintf("%q", adapter.EncodeBool(f, b)))
}

func deviceFromTopic(topic, prefix string) string {
	wantPrefix := prefix + "/"
	if len(topic) <= len(wantPrefix) || topic[:len(wantPrefix)] != wantPrefix {
		return ""
	}
	rest := topic[len(wantPrefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}
