package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/mqtt"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

type fakeSubscriber struct {
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	failWith     error
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.failWith != nil {
		return f.failWith
	}
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestSerialFromTopic(t *testing.T) {
	serial, err := SerialFromTopic("devices/SN-100/telemetry")
	require.NoError(t, err)
	assert.Equal(t, "SN-100", serial)

	for _, topic := range []string{"devices//telemetry", "devices/SN-100", "a/b/c/d"} {
		_, err := SerialFromTopic(topic)
		assert.Error(t, err, topic)
	}
}

func TestParseUplink(t *testing.T) {
	bare, err := ParseUplink([]byte(`{"temperature": 21.5, "battery": 90}`))
	require.NoError(t, err)
	require.NotNil(t, bare.SensorData)
	assert.Equal(t, 21.5, *bare.SensorData.Temperature)
	assert.Nil(t, bare.Signal)

	envelope, err := ParseUplink([]byte(`{"sensorData": {"co": 12}, "firmwareVersion": "1.2.0", "signal": {"rssi": -80}}`))
	require.NoError(t, err)
	assert.Equal(t, 12.0, *envelope.SensorData.CO)
	assert.Equal(t, "1.2.0", *envelope.FirmwareVersion)
	assert.Equal(t, -80.0, *envelope.Signal.RSSI)

	_, err = ParseUplink([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHandleMessage_UpsertsSensorData(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	sub := &fakeSubscriber{}
	c := NewTelemetryConsumer(sub, store, "", 1, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))

	handler := sub.handlers[DefaultTopic]
	require.NotNil(t, handler)

	require.NoError(t, handler("devices/SN-7/telemetry", []byte(`{"temperature": 30, "humidity": 40}`)))
	require.NoError(t, handler("devices/SN-7/telemetry", []byte(`{"sensorData": {"temperature": 31}, "hardwareVersion": "hw-2"}`)))

	rec, err := store.Get(context.Background(), "SN-7")
	require.NoError(t, err)
	assert.Equal(t, 31.0, *rec.SensorData.Temperature)
	assert.Equal(t, 40.0, *rec.SensorData.Humidity, "fields not in the uplink are kept")
	assert.Equal(t, "hw-2", rec.HardwareVersion)
	assert.NotNil(t, rec.LastUpdatedTime)
	assert.False(t, rec.DeployFlag)
	assert.True(t, rec.Consistent())

	require.NoError(t, c.Stop())
	assert.Equal(t, []string{DefaultTopic}, sub.unsubscribed)
}

func TestHandleMessage_RejectsBadInput(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	c := NewTelemetryConsumer(&fakeSubscriber{}, store, DefaultTopic, 1, zap.NewNop())

	assert.Error(t, c.HandleMessage("devices/telemetry", []byte(`{}`)))
	assert.ErrorIs(t, c.HandleMessage("devices/SN-8/telemetry", []byte(`not json`)), models.ErrValidation)
	assert.ErrorIs(t, c.HandleMessage("devices/SN-8/telemetry", []byte(`{"drop": 4}`)), models.ErrValidation)

	_, err := store.Get(context.Background(), "SN-8")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStart_SubscribeFailure(t *testing.T) {
	boom := errors.New("not connected")
	c := NewTelemetryConsumer(&fakeSubscriber{failWith: boom}, repository.NewMemoryDeviceStore(), "", 0, zap.NewNop())
	assert.ErrorIs(t, c.Start(context.Background()), boom)
}
