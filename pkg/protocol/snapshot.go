package protocol

import (
	"encoding/json"
	"fmt"
)

// SnapshotEntry одна запись LWW-множества в снимке.
type SnapshotEntry struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
	Value     any    `json:"value,omitempty"`
}

// LWWSetSnapshot сериализованное LWW-Element-Set.
type LWWSetSnapshot struct {
	AddSet    []SnapshotEntry `json:"addSet"`
	RemoveSet []SnapshotEntry `json:"removeSet"`
}

// CounterState состояние одного PN-счетчика.
type CounterState struct {
	Positive map[string]int64 `json:"positiveCounter"`
	Negative map[string]int64 `json:"negativeCounter"`
}

// CounterPair пара [ключ, состояние счетчика].
// На проводе кодируется двухэлементным массивом.
type CounterPair struct {
	Key     string
	Counter CounterState
}

// MarshalJSON кодирует пару как ["key", {...}].
func (p CounterPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Counter})
}

// UnmarshalJSON декодирует пару из ["key", {...}].
func (p *CounterPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal counter pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("failed to unmarshal counter key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Counter); err != nil {
		return fmt.Errorf("failed to unmarshal counter state: %w", err)
	}
	return nil
}

// Snapshot полный снимок реплицированного состояния.
// Используется для быстрой доставки состояния пиру вместо
// проигрывания всей истории операций.
type Snapshot struct {
	DeviceID    string         `json:"deviceId"`
	VectorClock VectorClock    `json:"vectorClock"`
	LWWSet      LWWSetSnapshot `json:"lwwSet"`
	Counters    []CounterPair  `json:"counters"`
	Timestamp   int64          `json:"timestamp"`
}
