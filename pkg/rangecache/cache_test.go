package rangecache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intCmp(a, b int) int { return a - b }
func intKeyOf(a int) string { return fmt.Sprintf("%d", a) }

func TestInsertAndRange(t *testing.T) {
	c := New[int, string](4, intCmp, intKeyOf)

	c.Insert(10, "ten")
	c.Insert(20, "twenty")
	c.Insert(30, "thirty")

	var got []string
	c.Range(0, 100, false, func(k int, v string) {
		got = append(got, v)
	})
	assert.Equal(t, []string{"ten", "twenty", "thirty"}, got)
}

func TestRangeBoundsAreExclusive(t *testing.T) {
	c := New[int, string](4, intCmp, intKeyOf)
	c.Insert(10, "ten")
	c.Insert(20, "twenty")

	var got []string
	c.Range(10, 20, false, func(k int, v string) {
		got = append(got, v)
	})
	assert.Empty(t, got, "bounds must be exclusive of stored sentinels")
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, string](2, intCmp, intKeyOf)
	c.Insert(1, "a")
	c.Insert(2, "b")
	// touch both in key order: 1 then 2, so 2 ends up MRU and 1 LRU
	c.Range(0, 100, true, func(k int, v string) {})
	_ = c
	c.Insert(1, "a-again") // refresh 1 to MRU via insert too
	c.Insert(3, "c")       // should evict 2, the LRU

	var got []int
	c.Range(0, 100, false, func(k int, v string) { got = append(got, k) })
	require.Len(t, got, 2)
	assert.Contains(t, got, 1)
	assert.Contains(t, got, 3)
	assert.NotContains(t, got, 2)
}

func TestInsertReturnsPriorValue(t *testing.T) {
	c := New[int, string](4, intCmp, intKeyOf)
	_, had := c.Insert(1, "a")
	assert.False(t, had)

	prior, had := c.Insert(1, "b")
	assert.True(t, had)
	assert.Equal(t, "a", prior)
}

func TestRemoveRange(t *testing.T) {
	c := New[int, string](10, intCmp, intKeyOf)
	for i := 1; i <= 5; i++ {
		c.Insert(i, fmt.Sprintf("v%d", i))
	}
	c.RemoveRange(1, 4) // removes 2, 3 (exclusive bounds)

	var got []int
	c.Range(0, 100, false, func(k int, v string) { got = append(got, k) })
	assert.Equal(t, []int{1, 4, 5}, got)
}

func TestCapacityMustBePositive(t *testing.T) {
	assert.Panics(t, func() {
		New[int, string](0, intCmp, intKeyOf)
	})
}

func TestLenTracksEntries(t *testing.T) {
	c := New[int, string](10, intCmp, intKeyOf)
	assert.Equal(t, 0, c.Len())
	c.Insert(1, "a")
	c.Insert(2, "b")
	assert.Equal(t, 2, c.Len())
}
