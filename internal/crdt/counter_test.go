package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGCounter_AddValue(t *testing.T) {
	c := NewGCounter()

	c.Add("device-a", 3)
	c.Add("device-b", 2)
	c.Add("device-a", 1)

	assert.Equal(t, int64(6), c.Value())

	// Неположительная дельта игнорируется
	c.Add("device-a", 0)
	c.Add("device-a", -5)
	assert.Equal(t, int64(6), c.Value())
}

func TestGCounter_MergeMonotonic(t *testing.T) {
	a := NewGCounter()
	a.Add("device-a", 5)
	a.Add("device-b", 1)

	b := NewGCounter()
	b.Add("device-a", 3)
	b.Add("device-c", 2)

	a.Merge(b)

	// Поэлементный максимум: слияние никогда не уменьшает значение
	assert.Equal(t, map[string]int64{"device-a": 5, "device-b": 1, "device-c": 2}, a.Snapshot())
	assert.Equal(t, int64(8), a.Value())

	// Идемпотентность
	a.Merge(b)
	assert.Equal(t, int64(8), a.Value())
}

func TestPNCounter_IncrementDecrement(t *testing.T) {
	c := NewPNCounter()

	c.Increment("device-a", 10)
	c.Decrement("device-a", 3)
	c.Increment("device-b", 1)

	assert.Equal(t, int64(8), c.Value())
}

func TestPNCounter_ConcurrentConvergence(t *testing.T) {
	// Три устройства независимо изменяют счётчик, затем сливаются
	// в разном порядке - итог одинаков и равен сумме изменений.
	devices := []string{"device-a", "device-b", "device-c"}
	replicas := make([]*PNCounter, len(devices))
	for i, device := range devices {
		replicas[i] = NewPNCounter()
		replicas[i].Increment(device, int64(10*(i+1))) // +10, +20, +30
		replicas[i].Decrement(device, int64(i))        // -0, -1, -2
	}

	// merge в прямом порядке
	forward := NewPNCounter()
	for _, r := range replicas {
		forward.Merge(r)
	}

	// merge в обратном порядке
	backward := NewPNCounter()
	for i := len(replicas) - 1; i >= 0; i-- {
		backward.Merge(replicas[i])
	}

	assert.Equal(t, int64(57), forward.Value())
	assert.Equal(t, forward.Value(), backward.Value())
}

func TestPNCounter_MergeState(t *testing.T) {
	c := NewPNCounter()
	c.Increment("device-a", 2)

	c.MergeState(map[string]int64{"device-b": 4}, map[string]int64{"device-a": 1})

	assert.Equal(t, int64(5), c.Value())

	positive, negative := c.Snapshot()
	assert.Equal(t, map[string]int64{"device-a": 2, "device-b": 4}, positive)
	assert.Equal(t, map[string]int64{"device-a": 1}, negative)
}

func TestMonotonicClock(t *testing.T) {
	current := int64(100)
	clock := NewMonotonicClockWithSource(func() int64 { return current })

	assert.Equal(t, int64(100), clock.Now())

	// Время стоит на месте - timestamp всё равно растёт
	assert.Equal(t, int64(101), clock.Now())
	assert.Equal(t, int64(102), clock.Now())

	// Время откатилось назад - монотонность сохраняется
	current = 50
	assert.Equal(t, int64(103), clock.Now())

	// Наблюдение чужого timestamp подтягивает часы вперёд
	clock.Observe(500)
	assert.Equal(t, int64(501), clock.Now())

	// Время ушло вперёд - используется реальное время
	current = 1000
	assert.Equal(t, int64(1000), clock.Now())
}
