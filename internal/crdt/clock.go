package crdt

import (
	"sync"
	"time"
)

// MonotonicClock выдает строго возрастающие timestamp в миллисекундах.
// Даже при откате системных часов (clock skew) каждый следующий
// timestamp не меньше предыдущего плюс один.
type MonotonicClock struct {
	now  func() int64 // источник текущего времени
	last int64        // последний выданный timestamp
	mu   sync.Mutex   // мьютекс для потокобезопасности
}

// NewMonotonicClock создает часы поверх системного времени.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// NewMonotonicClockWithSource создает часы с заданным источником времени.
// Используется для тестирования.
func NewMonotonicClockWithSource(now func() int64) *MonotonicClock {
	return &MonotonicClock{now: now}
}

// Now возвращает следующий timestamp: max(текущее время, последний + 1).
func (c *MonotonicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts

	return ts
}

// Observe учитывает timestamp, полученный от другой реплики,
// чтобы локальные timestamp не отставали от уже виденных.
func (c *MonotonicClock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.last {
		c.last = remote
	}
}
