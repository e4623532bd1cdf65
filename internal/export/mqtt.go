package export

import (
	"fmt"
	"time"

	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publisher sends one message to a broker
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

type pahoPublisher struct {
	client  pahomqtt.Client
	timeout time.Duration
}

// ConnectMQTT connects to cfg.Broker and returns a Publisher backed by the paho client
func ConnectMQTT(cfg *config.MQTTConfig, logger zerolog.Logger) (Publisher, error) {
	timeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)

	logger.Info().Str("broker", cfg.Broker).Msg("Connecting to MQTT broker")
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connection timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	return &pahoPublisher{client: client, timeout: timeout}, nil
}

func (p *pahoPublisher) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if qos == 0 {
		return token.Error()
	}
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
	}
	return token.Error()
}

func (p *pahoPublisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
}

// MQTTExporter publishes every record as a JSON message
type MQTTExporter struct {
	pub        Publisher
	topic      string
	qos        byte
	withTypes  bool
	disconnect bool
	published  int
	logger     zerolog.Logger
}

// NewMQTT publishes to topic through pub. With disconnect set, Close and Abort
// also disconnect pub.
func NewMQTT(pub Publisher, topic string, qos int, withTypes, disconnect bool, logger zerolog.Logger) *MQTTExporter {
	return &MQTTExporter{
		pub:        pub,
		topic:      topic,
		qos:        byte(qos),
		withTypes:  withTypes,
		disconnect: disconnect,
		logger:     logger.With().Str("component", "mqtt-exporter").Str("topic", topic).Logger(),
	}
}

func (e *MQTTExporter) Begin(_ *elf.Schema) error {
	return nil
}

func (e *MQTTExporter) Write(record *elf.Record) error {
	var (
		payload []byte
		err     error
	)
	if e.withTypes {
		payload, err = record.MarshalJSON()
	} else {
		payload, err = record.MarshalDataJSON()
	}
	if err != nil {
		return fmt.Errorf("failed to encode line %d: %w", record.Line(), err)
	}
	if err := e.pub.Publish(e.topic, e.qos, payload); err != nil {
		return fmt.Errorf("failed to publish line %d: %w", record.Line(), err)
	}
	e.published++
	return nil
}

func (e *MQTTExporter) Close() error {
	e.logger.Debug().Int("published", e.published).Msg("MQTT export finished")
	if e.disconnect {
		e.pub.Disconnect()
	}
	return nil
}

// Abort cannot retract messages already published
func (e *MQTTExporter) Abort(cause error) error {
	e.logger.Warn().Err(cause).Int("published", e.published).Msg("MQTT export aborted")
	if e.disconnect {
		e.pub.Disconnect()
	}
	return nil
}
