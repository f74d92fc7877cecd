package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	qosAtLeastOnce = 1
	tokenTimeout   = 10 * time.Second
)

// broker is the slice of an MQTT client the transport relies on
type broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Close()
}

// pahoBroker keeps track of its subscriptions so they survive reconnects
// of a clean session
type pahoBroker struct {
	client paho.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

func dialBroker(cfg Config, clientID string, logger *zap.Logger) (*pahoBroker, error) {
	b := &pahoBroker{
		logger: logger,
		subs:   make(map[string]paho.MessageHandler),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(tokenTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("Lost connection to MQTT broker", zap.String("broker", cfg.Broker), zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = paho.NewClient(opts)
	if err := wait(b.client.Connect(), "connect"); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return b, nil
}

func (b *pahoBroker) onConnect(c paho.Client) {
	b.mu.Lock()
	subs := make(map[string]paho.MessageHandler, len(b.subs))
	for topic, h := range b.subs {
		subs[topic] = h
	}
	b.mu.Unlock()

	for topic, h := range subs {
		if err := wait(c.Subscribe(topic, qosAtLeastOnce, h), "subscribe"); err != nil {
			b.logger.Error("Failed to re-subscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (b *pahoBroker) Publish(topic string, retained bool, payload []byte) error {
	return wait(b.client.Publish(topic, qosAtLeastOnce, retained, payload), "publish")
}

func (b *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	if err := wait(b.client.Subscribe(topic, qosAtLeastOnce, h), "subscribe"); err != nil {
		return err
	}
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()
	return nil
}

func (b *pahoBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
	return wait(b.client.Unsubscribe(topic), "unsubscribe")
}

func (b *pahoBroker) Close() {
	b.client.Disconnect(250)
}

func wait(token paho.Token, op string) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("%s timed out", op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}
