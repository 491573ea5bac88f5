package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWElementSet_AddGet(t *testing.T) {
	set := NewLWWElementSet()

	assert.True(t, set.Add("k", "v1", 10, "device-a"))
	value, ok := set.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", value)

	// Более поздняя запись побеждает
	assert.True(t, set.Add("k", "v2", 20, "device-a"))
	value, _ = set.Get("k")
	assert.Equal(t, "v2", value)

	// Более ранняя запись игнорируется
	assert.False(t, set.Add("k", "stale", 5, "device-b"))
	value, _ = set.Get("k")
	assert.Equal(t, "v2", value)
}

func TestLWWElementSet_Remove(t *testing.T) {
	set := NewLWWElementSet()
	set.Add("k", "v", 10, "device-a")

	set.Remove("k", 20, "device-a")
	assert.False(t, set.Contains("k"))

	// Добавление после удаления возвращает элемент
	set.Add("k", "v2", 30, "device-a")
	assert.True(t, set.Contains("k"))
}

func TestLWWElementSet_TieBreak(t *testing.T) {
	// Устройство A пишет x=1, устройство B пишет x=2 в один и тот же момент.
	// DeviceID B лексикографически больше - обе реплики должны выбрать x=2.
	replica1 := NewLWWElementSet()
	replica1.Add("x", 1, 100, "device-a")
	replica1.Add("x", 2, 100, "device-b")

	replica2 := NewLWWElementSet()
	replica2.Add("x", 2, 100, "device-b")
	replica2.Add("x", 1, 100, "device-a")

	v1, _ := replica1.Get("x")
	v2, _ := replica2.Get("x")
	assert.Equal(t, 2, v1)
	assert.Equal(t, 2, v2)
}

func TestLWWElementSet_RemoveAddTie(t *testing.T) {
	set := NewLWWElementSet()

	// При равных timestamp между add и remove побеждает больший deviceID
	set.Add("k", "v", 100, "device-b")
	set.Remove("k", 100, "device-a")
	assert.True(t, set.Contains("k"))

	set.Remove("k", 100, "device-c")
	assert.False(t, set.Contains("k"))
}

func TestLWWElementSet_MergeCommutative(t *testing.T) {
	build := func() (*LWWElementSet, *LWWElementSet) {
		a := NewLWWElementSet()
		a.Add("x", "from-a", 10, "device-a")
		a.Add("shared", "a-version", 5, "device-a")
		a.Remove("gone", 7, "device-a")

		b := NewLWWElementSet()
		b.Add("y", "from-b", 11, "device-b")
		b.Add("shared", "b-version", 6, "device-b")
		b.Add("gone", "revived", 9, "device-b")

		return a, b
	}

	// merge(A, B)
	a1, b1 := build()
	a1.Merge(b1)

	// merge(B, A)
	a2, b2 := build()
	b2.Merge(a2)

	assert.ElementsMatch(t, a1.Keys(), b2.Keys())
	for _, key := range a1.Keys() {
		v1, _ := a1.Get(key)
		v2, _ := b2.Get(key)
		assert.Equal(t, v1, v2, "key %s diverged", key)
	}

	// shared разрешается в пользу более позднего timestamp
	shared, _ := a1.Get("shared")
	assert.Equal(t, "b-version", shared)

	// gone возрождён более поздним add
	assert.True(t, a1.Contains("gone"))
}

func TestLWWElementSet_MergeIdempotent(t *testing.T) {
	a := NewLWWElementSet()
	a.Add("x", 1, 10, "device-a")
	a.Remove("y", 12, "device-a")

	b := NewLWWElementSet()
	b.Add("x", 2, 11, "device-b")

	a.Merge(b)
	addBefore, removeBefore := a.Entries()

	// Повторное слияние с тем же состоянием ничего не меняет
	a.Merge(b)
	addAfter, removeAfter := a.Entries()

	assert.Equal(t, addBefore, addAfter)
	assert.Equal(t, removeBefore, removeAfter)
}

func TestLWWElementSet_KeysAndSize(t *testing.T) {
	set := NewLWWElementSet()
	set.Add("a", 1, 10, "device-a")
	set.Add("b", 2, 10, "device-a")
	set.Remove("b", 20, "device-a")

	assert.ElementsMatch(t, []string{"a"}, set.Keys())
	assert.Equal(t, 1, set.Size())
}
