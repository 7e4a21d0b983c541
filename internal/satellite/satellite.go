// Package satellite bridges MQTT voice satellites to the conversation
// orchestrator. Each satellite publishes transcribed utterances and
// plays back replies; the bridge owns the broker connection and the
// availability contract.
package satellite

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/verlo/hearth/internal/agent"
	"github.com/verlo/hearth/internal/prompt"
	"github.com/verlo/hearth/internal/voice"
)

// Converser runs one conversation turn. Satisfied by the orchestrator.
type Converser interface {
	Converse(ctx context.Context, in prompt.Input) agent.Out
}

// NameResolver canonicalizes a spoken speaker name. May be nil.
type NameResolver func(spoken string) (string, bool)

// Config holds broker settings.
type Config struct {
	BrokerURL   string
	Username    string
	Password    string
	TopicPrefix string
	TLSInsecure bool
}

// utterance is the inbound payload from a satellite.
type utterance struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// reply is the outbound payload to a satellite.
type reply struct {
	Text                 string `json:"text"`
	ContinueConversation bool   `json:"continue_conversation"`
}

// Bridge connects satellites to the orchestrator.
type Bridge struct {
	cfg       Config
	converser Converser
	resolve   NameResolver
	logger    *slog.Logger
	cm        *autopaho.ConnectionManager
}

// New creates a bridge but does not connect. Call [Bridge.Run].
func New(cfg Config, converser Converser, resolve NameResolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hearth"
	}
	return &Bridge{
		cfg:       cfg,
		converser: converser,
		resolve:   resolve,
		logger:    logger.With("component", "satellite"),
	}
}

func (b *Bridge) availabilityTopic() string {
	return b.cfg.TopicPrefix + "/availability"
}

func (b *Bridge) utteranceFilter() string {
	return b.cfg.TopicPrefix + "/+/utterance"
}

func (b *Bridge) replyTopic(satellite string) string {
	return b.cfg.TopicPrefix + "/" + satellite + "/reply"
}

// Run connects to the broker and serves utterances until ctx is
// cancelled. Reconnection is handled by the connection manager; the
// subscription is re-established on every connect.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("connected to broker", "broker", b.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.utteranceFilter(), QoS: 1},
				},
			}); err != nil {
				b.logger.Error("subscribe failed", "error", err)
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   b.availabilityTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("broker connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearth-bridge",
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handle(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: b.cfg.TLSInsecure,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("initial broker connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes offline availability and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("offline publish failed", "error", err)
	}
	return b.cm.Disconnect(ctx)
}

// handle processes one inbound utterance and publishes the reply.
func (b *Bridge) handle(ctx context.Context, msg *paho.Publish) {
	satellite, ok := b.satelliteFromTopic(msg.Topic)
	if !ok {
		return
	}

	in, ok := b.parseUtterance(msg.Payload)
	if !ok {
		b.logger.Warn("empty utterance", "satellite", satellite)
		return
	}
	in.Satellite = satellite
	in.ConversationID = "satellite:" + satellite

	b.logger.Info("utterance received", "satellite", satellite, "speaker", in.UserID)
	out := b.converser.Converse(ctx, in)

	payload, err := json.Marshal(reply{
		Text:                 voice.Flatten(out.Text),
		ContinueConversation: out.ContinueConversation,
	})
	if err != nil {
		b.logger.Error("marshal reply", "error", err)
		return
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.replyTopic(satellite),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		b.logger.Error("reply publish failed", "satellite", satellite, "error", err)
	}
}

// satelliteFromTopic extracts the satellite ID from
// "<prefix>/<satellite>/utterance".
func (b *Bridge) satelliteFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	satellite, ok := strings.CutSuffix(rest, "/utterance")
	if !ok || satellite == "" || strings.Contains(satellite, "/") {
		return "", false
	}
	return satellite, true
}

// parseUtterance accepts either the JSON payload or bare text from
// simpler satellites.
func (b *Bridge) parseUtterance(payload []byte) (prompt.Input, bool) {
	var u utterance
	if err := json.Unmarshal(payload, &u); err != nil {
		u = utterance{Text: string(payload)}
	}
	u.Text = strings.TrimSpace(u.Text)
	if u.Text == "" {
		return prompt.Input{}, false
	}

	in := prompt.Input{Utterance: u.Text, Now: time.Now()}
	if u.Speaker != "" {
		in.UserID = u.Speaker
		if b.resolve != nil {
			if canonical, ok := b.resolve(u.Speaker); ok {
				in.UserID = canonical
			}
		}
	}
	return in, true
}
