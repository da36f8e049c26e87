// Package bus carries decoded advertisements between the scanner and the
// presence daemon over MQTT. Messages are published at QoS 0, so delivery is
// at most once, and handlers run in arrival order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("bus not connected")

// DefaultTopic is the topic the scanner publishes to.
const DefaultTopic = "ibeacon/adverts"

const (
	qosAtMostOnce  = 0
	keepAlive      = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// Config describes a broker connection.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
}

// Connect dials the broker and blocks until the first connection succeeds or
// ctx is done. The returned client reconnects on its own after that.
func Connect(ctx context.Context, cfg Config) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("no broker configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetOnConnectHandler(func(mqtt.Client) {
			monitoring.Logf("bus: connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Logf("bus: connection to %s lost: %v", cfg.Broker, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Broker, err)
		}
		return client, nil
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
}

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Publisher encodes advertisements with a Codec and publishes them.
type Publisher struct {
	client mqtt.Client
	topic  string
	codec  ibeacon.Codec

	published, failed atomic.Uint64
}

// NewPublisher publishes to topic through client. A nil codec selects JSON.
func NewPublisher(client mqtt.Client, topic string, codec ibeacon.Codec) *Publisher {
	if codec == nil {
		codec = ibeacon.JSONCodec{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{client: client, topic: topic, codec: codec}
}

// Publish sends one advertisement.
func (p *Publisher) Publish(adv ibeacon.Advertisement) error {
	if !p.client.IsConnected() {
		p.failed.Add(1)
		return ErrNotConnected
	}
	payload, err := p.codec.Marshal(adv)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to encode advertisement: %w", err)
	}
	token := p.client.Publish(p.topic, qosAtMostOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("timed out publishing to %s", p.topic)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	p.published.Add(1)
	return nil
}

// Run publishes every advertisement from adverts until the channel closes or
// ctx is done. Failed publishes are logged and dropped.
func (p *Publisher) Run(ctx context.Context, adverts <-chan ibeacon.Advertisement) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case adv, ok := <-adverts:
			if !ok {
				return nil
			}
			if err := p.Publish(adv); err != nil {
				monitoring.Logf("bus: dropping advertisement: %v", err)
			}
		}
	}
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Subscriber decodes advertisements received on a topic.
type Subscriber struct {
	client mqtt.Client
	topic  string
	codec  ibeacon.Codec

	received, malformed atomic.Uint64
}

// NewSubscriber reads topic through client. A nil codec selects JSON.
func NewSubscriber(client mqtt.Client, topic string, codec ibeacon.Codec) *Subscriber {
	if codec == nil {
		codec = ibeacon.JSONCodec{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Subscriber{client: client, topic: topic, codec: codec}
}

// Run subscribes and calls fn for every advertisement until ctx is done.
// Malformed payloads are counted and skipped.
func (s *Subscriber) Run(ctx context.Context, fn func(ibeacon.Advertisement)) error {
	token := s.client.Subscribe(s.topic, qosAtMostOnce, s.handler(fn))
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	monitoring.Logf("bus: subscribed to %s", s.topic)

	<-ctx.Done()
	s.client.Unsubscribe(s.topic).WaitTimeout(publishTimeout)
	return ctx.Err()
}

func (s *Subscriber) handler(fn func(ibeacon.Advertisement)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		s.received.Add(1)
		adv, err := s.codec.Unmarshal(msg.Payload())
		if err != nil {
			s.malformed.Add(1)
			monitoring.Debugf("bus: ignoring malformed %s payload on %s: %v", s.codec.Name(), msg.Topic(), err)
			return
		}
		fn(adv)
	}
}

// Received returns the number of messages seen and how many were malformed.
func (s *Subscriber) Received() (total, malformed uint64) {
	return s.received.Load(), s.malformed.Load()
}
