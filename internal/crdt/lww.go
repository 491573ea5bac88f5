package crdt

import (
	"sync"
)

// LWWEntry представляет одну запись в add- или remove-множестве.
type LWWEntry struct {
	Value     any    // значение (только для add-множества)
	DeviceID  string // устройство, создавшее запись
	Timestamp int64  // миллисекунды с эпохи
}

// Dominates определяет победителя между двумя записями по правилу LWW:
// побеждает больший timestamp; при равных timestamp побеждает
// лексикографически больший DeviceID. Тай-брейк детерминирован,
// поэтому все реплики вычисляют одного и того же победителя.
// Единственная точка сравнения записей - вся логика доминирования проходит здесь.
func (e *LWWEntry) Dominates(other *LWWEntry) bool {
	if other == nil {
		return true
	}
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.DeviceID > other.DeviceID
}

// LWWElementSet представляет Last-Write-Wins Element Set CRDT.
// Элемент присутствует, когда его последняя add-запись доминирует
// над последней remove-записью. Конкурентные правки разрешаются
// автоматически и одинаково на всех репликах.
type LWWElementSet struct {
	addSet    map[string]*LWWEntry // map[key]entry
	removeSet map[string]*LWWEntry // map[key]entry
	mu        sync.RWMutex         // мьютекс для потокобезопасности
}

// NewLWWElementSet создает пустое LWW-Element-Set.
func NewLWWElementSet() *LWWElementSet {
	return &LWWElementSet{
		addSet:    make(map[string]*LWWEntry),
		removeSet: make(map[string]*LWWEntry),
	}
}

// Add записывает добавление ключа. Существующая запись заменяется,
// только если новая доминирует. Возвращает true при обновлении.
func (s *LWWElementSet) Add(key string, value any, timestamp int64, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &LWWEntry{Value: value, DeviceID: deviceID, Timestamp: timestamp}
	if existing, ok := s.addSet[key]; ok && !entry.Dominates(existing) {
		return false
	}
	s.addSet[key] = entry

	return true
}

// Remove записывает удаление ключа. Как и Add, применяет правило доминирования.
func (s *LWWElementSet) Remove(key string, timestamp int64, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &LWWEntry{DeviceID: deviceID, Timestamp: timestamp}
	if existing, ok := s.removeSet[key]; ok && !entry.Dominates(existing) {
		return false
	}
	s.removeSet[key] = entry

	return true
}

// Contains возвращает true, если ключ присутствует:
// его add-запись доминирует над remove-записью.
func (s *LWWElementSet) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.contains(key)
}

func (s *LWWElementSet) contains(key string) bool {
	added, ok := s.addSet[key]
	if !ok {
		return false
	}
	removed, ok := s.removeSet[key]
	if !ok {
		return true
	}
	return added.Dominates(removed)
}

// Get возвращает значение ключа и флаг присутствия.
func (s *LWWElementSet) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.contains(key) {
		return nil, false
	}
	return s.addSet[key].Value, true
}

// Keys возвращает все присутствующие ключи.
func (s *LWWElementSet) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.addSet))
	for key := range s.addSet {
		if s.contains(key) {
			keys = append(keys, key)
		}
	}

	return keys
}

// Merge объединяет множество с other поэлементно по правилу доминирования.
// Операция коммутативна, ассоциативна и идемпотентна: повторное слияние
// с тем же состоянием ничего не меняет.
func (s *LWWElementSet) Merge(other *LWWElementSet) {
	other.mu.RLock()
	addSet, removeSet := make(map[string]*LWWEntry, len(other.addSet)), make(map[string]*LWWEntry, len(other.removeSet))
	for key, entry := range other.addSet {
		addSet[key] = entry
	}
	for key, entry := range other.removeSet {
		removeSet[key] = entry
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range addSet {
		if existing, ok := s.addSet[key]; !ok || entry.Dominates(existing) {
			s.addSet[key] = entry
		}
	}
	for key, entry := range removeSet {
		if existing, ok := s.removeSet[key]; !ok || entry.Dominates(existing) {
			s.removeSet[key] = entry
		}
	}
}

// Entries возвращает копии обоих множеств. Используется для снимков.
func (s *LWWElementSet) Entries() (addSet, removeSet map[string]LWWEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addSet = make(map[string]LWWEntry, len(s.addSet))
	for key, entry := range s.addSet {
		addSet[key] = *entry
	}
	removeSet = make(map[string]LWWEntry, len(s.removeSet))
	for key, entry := range s.removeSet {
		removeSet[key] = *entry
	}

	return addSet, removeSet
}

// Size возвращает количество присутствующих ключей.
func (s *LWWElementSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for key := range s.addSet {
		if s.contains(key) {
			count++
		}
	}

	return count
}
