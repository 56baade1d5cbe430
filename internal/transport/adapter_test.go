package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "courier/pkg/logx"
)

func TestLoopbackRoundTrip(t *testing.T) {
	a, b := NewLoopback(4)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	sent := Frame{
		Type:      FrameSessionSync,
		SessionID: "s1",
		DeviceID:  "dev-a",
		Version:   7,
		State:     json.RawMessage(`{"title":"hello"}`),
	}
	require.NoError(t, a.Send(ctx, sent))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestLoopbackBothDirections(t *testing.T) {
	a, b := NewLoopback(4)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, Frame{Type: FrameDeviceHello, DeviceID: "dev-a"}))
	require.NoError(t, b.Send(ctx, Frame{Type: FrameDeviceHello, DeviceID: "dev-b"}))

	fromA, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", fromA.DeviceID)

	fromB, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", fromB.DeviceID)
}

func TestLoopbackClosed(t *testing.T) {
	a, b := NewLoopback(1)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // idempotent

	err := b.Send(context.Background(), Frame{Type: FrameDeviceHello})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoopbackReceiveHonorsContext(t *testing.T) {
	a, b := NewLoopback(1)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameJSONShape(t *testing.T) {
	f := Frame{Type: FrameMessageAck, CorrelationID: "c-1", Status: "delivered"}
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MESSAGE_ACK","correlation_id":"c-1","status":"delivered"}`, string(raw))

	var back Frame
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, f, back)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, logx.Nop())
	assert.Error(t, err)
}
