package state

import (
	"fmt"
	"sort"

	"github.com/iudanet/statesync/internal/crdt"
	"github.com/iudanet/statesync/pkg/protocol"
)

// Snapshot возвращает полный снимок состояния в проводном формате.
// Записи отсортированы по ключу для детерминированной сериализации.
func (s *Store) Snapshot() *protocol.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addSet, removeSet := s.set.Entries()

	snap := &protocol.Snapshot{
		DeviceID:    s.deviceID,
		VectorClock: s.clock.Copy(),
		LWWSet: protocol.LWWSetSnapshot{
			AddSet:    make([]protocol.SnapshotEntry, 0, len(addSet)),
			RemoveSet: make([]protocol.SnapshotEntry, 0, len(removeSet)),
		},
		Counters:  make([]protocol.CounterPair, 0, len(s.counters)),
		Timestamp: s.wall.Now(),
	}

	for key, entry := range addSet {
		snap.LWWSet.AddSet = append(snap.LWWSet.AddSet, protocol.SnapshotEntry{
			Key:       key,
			Timestamp: entry.Timestamp,
			DeviceID:  entry.DeviceID,
			Value:     entry.Value,
		})
	}
	for key, entry := range removeSet {
		snap.LWWSet.RemoveSet = append(snap.LWWSet.RemoveSet, protocol.SnapshotEntry{
			Key:       key,
			Timestamp: entry.Timestamp,
			DeviceID:  entry.DeviceID,
		})
	}
	sort.Slice(snap.LWWSet.AddSet, func(i, j int) bool {
		return snap.LWWSet.AddSet[i].Key < snap.LWWSet.AddSet[j].Key
	})
	sort.Slice(snap.LWWSet.RemoveSet, func(i, j int) bool {
		return snap.LWWSet.RemoveSet[i].Key < snap.LWWSet.RemoveSet[j].Key
	})

	counterKeys := make([]string, 0, len(s.counters))
	for key := range s.counters {
		counterKeys = append(counterKeys, key)
	}
	sort.Strings(counterKeys)

	for _, key := range counterKeys {
		positive, negative := s.counters[key].Snapshot()
		snap.Counters = append(snap.Counters, protocol.CounterPair{
			Key:     key,
			Counter: protocol.CounterState{Positive: positive, Negative: negative},
		})
	}

	return snap
}

// Merge вливает снимок другой реплики в локальное состояние:
// объединение LWW-множеств по правилу доминирования и поэлементное
// max-слияние счётчиков. Коммутативно, ассоциативно, идемпотентно.
func (s *Store) Merge(snap *protocol.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", protocol.ErrInvalidMessage)
	}

	s.wall.Observe(snap.Timestamp)

	s.mu.Lock()

	s.clock.Merge(snap.VectorClock)

	for _, entry := range snap.LWWSet.AddSet {
		s.set.Add(entry.Key, entry.Value, entry.Timestamp, entry.DeviceID)
	}
	for _, entry := range snap.LWWSet.RemoveSet {
		s.set.Remove(entry.Key, entry.Timestamp, entry.DeviceID)
	}

	for _, pair := range snap.Counters {
		counter, exists := s.counters[pair.Key]
		if !exists {
			counter = crdt.NewPNCounter()
			s.counters[pair.Key] = counter
		}
		counter.MergeState(pair.Counter.Positive, pair.Counter.Negative)
	}

	// Уведомляем подписчиков всех затронутых ключей
	type notification struct {
		fns   []SubscribeFunc
		key   string
		value any
	}
	seen := make(map[string]struct{})
	var notifications []notification
	collect := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		value, _ := s.get(key)
		notifications = append(notifications, notification{
			fns:   s.collectSubscribers(key),
			key:   key,
			value: value,
		})
	}
	for _, entry := range snap.LWWSet.AddSet {
		collect(entry.Key)
	}
	for _, entry := range snap.LWWSet.RemoveSet {
		collect(entry.Key)
	}
	for _, pair := range snap.Counters {
		collect(pair.Key)
	}

	s.mu.Unlock()

	s.logger.Debug("snapshot merged",
		"device_id", snap.DeviceID,
		"add_entries", len(snap.LWWSet.AddSet),
		"remove_entries", len(snap.LWWSet.RemoveSet),
		"counters", len(snap.Counters))

	for _, n := range notifications {
		for _, fn := range n.fns {
			fn(n.key, n.value)
		}
	}

	return nil
}

// RestoreSnapshot заменяет состояние целиком содержимым снимка.
// Журнал операций и подписчики сохраняются; часы берутся из снимка.
func (s *Store) RestoreSnapshot(snap *protocol.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", protocol.ErrInvalidMessage)
	}

	s.wall.Observe(snap.Timestamp)

	s.mu.Lock()

	s.clock = snap.VectorClock.Copy()
	s.set = crdt.NewLWWElementSet()
	s.counters = make(map[string]*crdt.PNCounter)
	s.log = nil

	for _, entry := range snap.LWWSet.AddSet {
		s.set.Add(entry.Key, entry.Value, entry.Timestamp, entry.DeviceID)
	}
	for _, entry := range snap.LWWSet.RemoveSet {
		s.set.Remove(entry.Key, entry.Timestamp, entry.DeviceID)
	}
	for _, pair := range snap.Counters {
		counter := crdt.NewPNCounter()
		counter.MergeState(pair.Counter.Positive, pair.Counter.Negative)
		s.counters[pair.Key] = counter
	}

	s.mu.Unlock()

	s.logger.Info("snapshot restored",
		"device_id", snap.DeviceID,
		"keys", len(snap.LWWSet.AddSet),
		"counters", len(snap.Counters))

	return nil
}
