// Package mqtt ingests cloud data pushes delivered over MQTT. The Qingping
// cloud can be pointed at a private broker; every message on the configured
// topics carries the same payload shape as a webhook delivery and feeds the
// same push-ingestion path.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"qingping-go-cloud/internal/coordinator"
)

// Config holds MQTT ingestion configuration.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	Topics   []string
}

// Ingestor subscribes to push topics and forwards message bodies to the
// coordinator's push handler. Malformed messages are logged and dropped;
// MQTT delivery is best-effort and a bad message must not affect the store
// or the subscription.
type Ingestor struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	topics []string
	logger *slog.Logger
}

// NewIngestor creates and connects an MQTT ingestor.
func NewIngestor(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Ingestor, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("mqtt: no topics configured")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "qingping-go-cloud"
	}

	ing := &Ingestor{
		coord:  coord,
		topics: cfg.Topics,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			ing.logger.Info("MQTT connected")
			ing.subscribeAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			ing.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	ing.client = client
	return ing, nil
}

// Stop disconnects from the broker.
func (ing *Ingestor) Stop() {
	ing.client.Disconnect(1000)
	ing.logger.Info("MQTT ingestor stopped")
}

// subscribeAll (re)subscribes the push topics; called on every (re)connect.
func (ing *Ingestor) subscribeAll() {
	for _, topic := range ing.topics {
		t := topic
		token := ing.client.Subscribe(t, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			ing.handleMessage(msg)
		})
		go func() {
			if !token.WaitTimeout(5 * time.Second) {
				ing.logger.Warn("MQTT subscribe timeout", "topic", t)
			} else if err := token.Error(); err != nil {
				ing.logger.Warn("MQTT subscribe error", "topic", t, "err", err)
			} else {
				ing.logger.Info("subscribed to push topic", "topic", t)
			}
		}()
	}
}

func (ing *Ingestor) handleMessage(msg pahomqtt.Message) {
	if err := ing.coord.Push().Handle(msg.Payload()); err != nil {
		if errors.Is(err, coordinator.ErrBadPayload) {
			ing.logger.Warn("push message rejected", "topic", msg.Topic(), "err", err)
			return
		}
		ing.logger.Error("push ingestion", "topic", msg.Topic(), "err", err)
	}
}
