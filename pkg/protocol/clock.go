package protocol

// VectorClock представляет векторные часы: отображение deviceID -> счетчик.
// Используется для отслеживания причинной истории операций
// в распределенной системе без синхронизации физического времени.
type VectorClock map[string]int64

// NewVectorClock создает пустые векторные часы.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Copy создает независимую копию часов.
func (vc VectorClock) Copy() VectorClock {
	result := make(VectorClock, len(vc))
	for device, counter := range vc {
		result[device] = counter
	}
	return result
}

// Increment увеличивает компонент устройства на единицу
// и возвращает новое значение.
func (vc VectorClock) Increment(deviceID string) int64 {
	vc[deviceID]++
	return vc[deviceID]
}

// Merge объединяет часы с other, беря поэлементный максимум.
// Это стандартная join-операция для причинных историй:
// коммутативна, ассоциативна и идемпотентна.
func (vc VectorClock) Merge(other VectorClock) {
	for device, counter := range other {
		if counter > vc[device] {
			vc[device] = counter
		}
	}
}

// MergeVectorClocks возвращает новые часы - поэлементный максимум всех входов.
// Входные часы не изменяются.
func MergeVectorClocks(clocks ...VectorClock) VectorClock {
	result := NewVectorClock()
	for _, clock := range clocks {
		result.Merge(clock)
	}
	return result
}

// HappensBefore возвращает true, если vc причинно предшествует other:
// каждый компонент vc не превышает соответствующий компонент other,
// и хотя бы один компонент строго меньше.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false

	for device, counter := range vc {
		otherCounter := other[device]
		if counter > otherCounter {
			return false
		}
		if counter < otherCounter {
			strictlyLess = true
		}
	}

	// Компоненты, которых нет в vc, считаются нулевыми
	if !strictlyLess {
		for device, otherCounter := range other {
			if _, ok := vc[device]; !ok && otherCounter > 0 {
				strictlyLess = true
				break
			}
		}
	}

	return strictlyLess
}

// ConcurrentWith возвращает true, если ни одни часы причинно
// не предшествуют другим. Это сигнал конфликта для CRDT-слоя.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc) && !vc.Equal(other)
}

// Equal возвращает true, если часы поэлементно равны
// (отсутствующие компоненты считаются нулевыми).
func (vc VectorClock) Equal(other VectorClock) bool {
	for device, counter := range vc {
		if other[device] != counter {
			return false
		}
	}
	for device, counter := range other {
		if vc[device] != counter {
			return false
		}
	}
	return true
}

// Dominates возвращает true, если vc >= other поэлементно.
// Используется буфером причинного порядка и выборкой отставших операций.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for device, counter := range other {
		if vc[device] < counter {
			return false
		}
	}
	return true
}
