package crdt

import (
	"sync"
)

// GCounter grow-only распределённый счётчик.
// Каждое устройство увеличивает только собственный слот;
// значение - сумма по всем устройствам. Слияние берет поэлементный
// максимум и потому никогда не уменьшает значение.
type GCounter struct {
	counts map[string]int64 // map[deviceID]счетчик
	mu     sync.RWMutex     // мьютекс для потокобезопасности
}

// NewGCounter создает пустой G-Counter.
func NewGCounter() *GCounter {
	return &GCounter{
		counts: make(map[string]int64),
	}
}

// Add увеличивает слот устройства на delta. Отрицательные и нулевые
// значения игнорируются: счётчик только растёт.
func (c *GCounter) Add(deviceID string, delta int64) {
	if delta <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[deviceID] += delta
}

// Value возвращает сумму по всем устройствам.
func (c *GCounter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sum int64
	for _, v := range c.counts {
		sum += v
	}

	return sum
}

// Merge объединяет счётчик с other, беря поэлементный максимум.
func (c *GCounter) Merge(other *GCounter) {
	snapshot := other.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	for device, v := range snapshot {
		if v > c.counts[device] {
			c.counts[device] = v
		}
	}
}

// MergeState объединяет счётчик с сырым состоянием (например, из снимка).
func (c *GCounter) MergeState(counts map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for device, v := range counts {
		if v > c.counts[device] {
			c.counts[device] = v
		}
	}
}

// Snapshot возвращает копию внутреннего состояния.
func (c *GCounter) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64, len(c.counts))
	for device, v := range c.counts {
		result[device] = v
	}

	return result
}

// PNCounter счётчик с поддержкой инкремента и декремента:
// пара G-Counter для положительных и отрицательных изменений.
// Значение = positive - negative.
type PNCounter struct {
	positive *GCounter
	negative *GCounter
}

// NewPNCounter создает нулевой PN-Counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		positive: NewGCounter(),
		negative: NewGCounter(),
	}
}

// Increment увеличивает слот устройства в положительном счётчике.
func (c *PNCounter) Increment(deviceID string, delta int64) {
	c.positive.Add(deviceID, delta)
}

// Decrement увеличивает слот устройства в отрицательном счётчике.
func (c *PNCounter) Decrement(deviceID string, delta int64) {
	c.negative.Add(deviceID, delta)
}

// Value возвращает текущее значение счётчика.
func (c *PNCounter) Value() int64 {
	return c.positive.Value() - c.negative.Value()
}

// Merge объединяет счётчик с other.
// Коммутативно, ассоциативно и идемпотентно.
func (c *PNCounter) Merge(other *PNCounter) {
	c.positive.Merge(other.positive)
	c.negative.Merge(other.negative)
}

// MergeState объединяет счётчик с сырым состоянием из снимка.
func (c *PNCounter) MergeState(positive, negative map[string]int64) {
	c.positive.MergeState(positive)
	c.negative.MergeState(negative)
}

// Snapshot возвращает копии обоих внутренних счётчиков.
func (c *PNCounter) Snapshot() (positive, negative map[string]int64) {
	return c.positive.Snapshot(), c.negative.Snapshot()
}
