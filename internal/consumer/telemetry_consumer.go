package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/mqtt"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// DefaultTopic 设备遥测主题，第二段为序列号
const DefaultTopic = "devices/+/telemetry"

const handleTimeout = 5 * time.Second

// Subscriber is the part of the MQTT client the consumer uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Uplink 设备上报的遥测报文
// A payload without a "sensorData" key is read as bare sensor readings.
type Uplink struct {
	SensorData      *models.SensorData `json:"sensorData,omitempty"`
	Signal          *models.Signal     `json:"signal,omitempty"`
	Interval        *float64           `json:"interval,omitempty"`
	SelfCheckStatus *bool              `json:"selfCheckStatus,omitempty"`
	HardwareVersion *string            `json:"hardwareVersion,omitempty"`
	FirmwareVersion *string            `json:"firmwareVersion,omitempty"`
	SensorTypes     []string           `json:"sensorTypes,omitempty"`
}

// Patch converts the uplink to a store patch. Uplinks never touch alarm
// configuration or the deploy flag.
func (u *Uplink) Patch() models.DevicePatch {
	return models.DevicePatch{
		SensorData:      u.SensorData,
		Signal:          u.Signal,
		Interval:        u.Interval,
		SelfCheckStatus: u.SelfCheckStatus,
		HardwareVersion: u.HardwareVersion,
		FirmwareVersion: u.FirmwareVersion,
		SensorTypes:     u.SensorTypes,
	}
}

// ParseUplink decodes an uplink payload.
func ParseUplink(payload []byte) (*Uplink, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return nil, &models.ValidationError{Field: "payload", Reason: err.Error()}
	}
	var u Uplink
	if _, ok := keys["sensorData"]; ok {
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, &models.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return &u, nil
	}
	var readings models.SensorData
	if err := json.Unmarshal(payload, &readings); err != nil {
		return nil, &models.ValidationError{Field: "sensorData", Reason: err.Error()}
	}
	u.SensorData = &readings
	return &u, nil
}

// SerialFromTopic extracts the serial number from devices/{serial}/telemetry.
func SerialFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}

// TelemetryConsumer 遥测消费者：MQTT 上报 -> UpsertBySerial
type TelemetryConsumer struct {
	subscriber Subscriber
	store      repository.DeviceStore
	topic      string
	qos        byte
	logger     *zap.Logger

	ctx context.Context
}

func NewTelemetryConsumer(subscriber Subscriber, store repository.DeviceStore, topic string, qos byte, logger *zap.Logger) *TelemetryConsumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &TelemetryConsumer{
		subscriber: subscriber,
		store:      store,
		topic:      topic,
		qos:        qos,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Start subscribes and returns; messages are handled on the MQTT client's
// goroutines until Stop or ctx is cancelled.
func (c *TelemetryConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}
	c.logger.Info("Telemetry consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 停止消费者
func (c *TelemetryConsumer) Stop() error {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
		return err
	}
	c.logger.Info("Telemetry consumer stopped")
	return nil
}

// HandleMessage upserts one uplink.
func (c *TelemetryConsumer) HandleMessage(topic string, payload []byte) error {
	serial, err := SerialFromTopic(topic)
	if err != nil {
		return err
	}
	uplink, err := ParseUplink(payload)
	if err != nil {
		c.logger.Warn("Dropping malformed uplink",
			zap.String("serial_number", serial),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, handleTimeout)
	defer cancel()
	inserted, err := c.store.UpsertBySerial(ctx, serial, uplink.Patch())
	if err != nil {
		return fmt.Errorf("failed to upsert telemetry for %s: %w", serial, err)
	}
	if inserted {
		c.logger.Info("Registered device from first uplink", zap.String("serial_number", serial))
	} else {
		c.logger.Debug("Telemetry stored", zap.String("serial_number", serial))
	}
	return nil
}
