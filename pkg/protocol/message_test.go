package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MsgConnect, ConnectPayload{
		DeviceID:    "device-a",
		VectorClock: VectorClock{"device-a": 1},
		Timestamp:   1000,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, MsgConnect, msg.Type)
	assert.Equal(t, Version, msg.Metadata.Version)
	assert.NotZero(t, msg.Metadata.Timestamp)

	var payload ConnectPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, "device-a", payload.DeviceID)
	assert.Equal(t, int64(1), payload.VectorClock["device-a"])
}

func TestNewMessage_NoPayload(t *testing.T) {
	msg, err := NewMessage(MsgPing, nil)
	require.NoError(t, err)

	assert.Empty(t, msg.Payload)
	require.NoError(t, ValidateMessage(msg))
}

func TestMessage_EncodeParseRoundTrip(t *testing.T) {
	op := NewOperation(OpSet, "k", "v", "device-a", NewVectorClock(), 42)
	msg, err := NewMessage(MsgOperation, op)
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, parsed.ID)
	assert.Equal(t, MsgOperation, parsed.Type)

	var decoded Operation
	require.NoError(t, parsed.DecodePayload(&decoded))
	assert.Equal(t, op.ID, decoded.ID)
	assert.Equal(t, op.VectorClock, decoded.VectorClock)
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing type", `{"id":"1","metadata":{"timestamp":1,"version":"1.0"}}`},
		{"unknown type", `{"id":"1","type":"teleport","metadata":{"timestamp":1,"version":"1.0"}}`},
		{"missing id", `{"type":"ping","metadata":{"timestamp":1,"version":"1.0"}}`},
		{"missing metadata", `{"id":"1","type":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestSnapshot_WireFormat(t *testing.T) {
	snap := &Snapshot{
		DeviceID:    "device-a",
		VectorClock: VectorClock{"device-a": 2},
		LWWSet: LWWSetSnapshot{
			AddSet: []SnapshotEntry{
				{Key: "k", Timestamp: 10, DeviceID: "device-a", Value: "v"},
			},
			RemoveSet: []SnapshotEntry{},
		},
		Counters: []CounterPair{
			{
				Key: "visits",
				Counter: CounterState{
					Positive: map[string]int64{"device-a": 3},
					Negative: map[string]int64{},
				},
			},
		},
		Timestamp: 99,
	}

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	// Счетчики кодируются парами [ключ, состояние]
	assert.Contains(t, string(data), `"counters":[["visits",{`)
	assert.Contains(t, string(data), `"positiveCounter":{"device-a":3}`)

	var restored Snapshot
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, snap.DeviceID, restored.DeviceID)
	require.Len(t, restored.Counters, 1)
	assert.Equal(t, "visits", restored.Counters[0].Key)
	assert.Equal(t, int64(3), restored.Counters[0].Counter.Positive["device-a"])
}
