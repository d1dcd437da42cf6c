// Package mqttchan connects Cortex to an MQTT broker: messages on the
// inbound topic become envelopes, routed targets publish to the
// outbound topic. Useful for home automation bridges that already
// speak MQTT.
package mqttchan

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "mqtt"

// inboundMessage is the JSON payload expected on the inbound topic.
// Plain non-JSON payloads are accepted as bare content.
type inboundMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Thread  string `json:"thread,omitempty"`
}

// outboundMessage is published to the outbound topic.
type outboundMessage struct {
	Content   string `json:"content"`
	ThreadID  string `json:"thread_id,omitempty"`
	Timestamp string `json:"ts"`
}

// EnqueueFunc hands an inbound envelope to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the MQTT channel.
type Adapter struct {
	cfg      config.MQTTConfig
	resolver adapter.Resolver
	enqueue  EnqueueFunc
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates the MQTT adapter. Call Run to connect.
func New(cfg config.MQTTConfig, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cortex"
	}
	if cfg.InboundTopic == "" {
		cfg.InboundTopic = "cortex/inbound/#"
	}
	if cfg.OutboundTopic == "" {
		cfg.OutboundTopic = "cortex/outbound"
	}
	return &Adapter{cfg: cfg, resolver: resolver, enqueue: enqueue, logger: logger}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable reports whether the broker connection is up.
func (a *Adapter) IsAvailable() bool {
	if a.cm == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return a.cm.AwaitConnection(ctx) == nil
}

// ToEnvelope implements adapter.Adapter.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	e.Reply.ThreadID = raw.ThreadID
	return e, nil
}

// Send implements adapter.Adapter: publish to the outbound topic.
func (a *Adapter) Send(ctx context.Context, t output.Target) error {
	if a.cm == nil {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(outboundMessage{
		Content:   t.Content,
		ThreadID:  t.ThreadID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	_, err = a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.cfg.OutboundTopic,
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", a.cfg.OutboundTopic, err)
	}
	return nil
}

// Run connects to the broker and consumes the inbound topic. Blocks
// until ctx is cancelled; autopaho reconnects in the background.
func (a *Adapter) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected", "broker", a.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: a.cfg.InboundTopic, QoS: 1},
				},
			}); err != nil {
				a.logger.Error("mqtt subscribe failed", "topic", a.cfg.InboundTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					a.handleInbound(pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return cm.Disconnect(stopCtx)
}

func (a *Adapter) handleInbound(p *paho.Publish) {
	var msg inboundMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		// Bare payloads are content from an anonymous device.
		msg = inboundMessage{Content: string(p.Payload)}
	}
	if msg.Content == "" {
		return
	}
	if msg.Sender == "" {
		msg.Sender = "mqtt:" + p.Topic
	}

	env, err := a.ToEnvelope(adapter.RawMessage{
		SenderID: msg.Sender,
		Content:  msg.Content,
		ThreadID: msg.Thread,
	}, a.resolver)
	if err != nil {
		a.logger.Warn("mqtt envelope failed", "error", err)
		return
	}
	if err := a.enqueue(env); err != nil {
		a.logger.Warn("mqtt enqueue failed", "error", err)
	}
}
