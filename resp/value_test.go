package resp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReleaseBalancesAllocations(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	a0, f0 := Stats()

	nodes := 0
	for i := 0; i < 200; i++ {
		v := randomValue(r, 6)
		nodes += v.Count()
		v.Release()
	}

	a1, f1 := Stats()
	assert.Equal(t, int64(nodes), a1-a0)
	assert.Equal(t, a1-a0, f1-f0)
}

func TestReleaseDeepTree(t *testing.T) {
	a0, f0 := Stats()
	v := NewInt(1)
	for i := 0; i < 100000; i++ {
		v = NewArray([]*Value{v})
	}
	v.Release()
	a1, f1 := Stats()
	assert.Equal(t, int64(100001), a1-a0)
	assert.Equal(t, a1-a0, f1-f0)
}

func TestDetach(t *testing.T) {
	a0, f0 := Stats()
	v := NewArray([]*Value{NewString([]byte("k")), NewInt(3)})
	kept := v.Detach(1)
	v.Release()

	assert.Equal(t, int64(3), kept.Int)
	kept.Release()

	a1, f1 := Stats()
	assert.Equal(t, a1-a0, f1-f0)
}

func TestEqual(t *testing.T) {
	a := NewMap([]Pair{{Key: NewString([]byte("a")), Value: NewFloat(math.NaN())}})
	b := NewMap([]Pair{{Key: NewString([]byte("a")), Value: NewFloat(math.NaN())}})
	c := NewMap([]Pair{{Key: NewString([]byte("a")), Value: NewInt(1)}})
	defer a.Release()
	defer b.Release()
	defer c.Release()

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, NewNull().Equal(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "map", Map.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
