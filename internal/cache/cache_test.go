package cache

import (
	"fmt"
	"testing"

	"github.com/SWAI-Ltd/relaymesh/internal/proto"
	"github.com/stretchr/testify/require"
)

func msg(id string) *proto.Message {
	return &proto.Message{ID: id, Topic: "t", Payload: []byte(`1`)}
}

func TestHasNoFalsePositives(t *testing.T) {
	c := New(10)
	require.False(t, c.Has("never"))
	c.Insert(msg("a"))
	require.True(t, c.Has("a"))
	require.False(t, c.Has("b"))
}

func TestInsertIsIdempotent(t *testing.T) {
	c := New(10)
	first := msg("a")
	require.True(t, c.Insert(first))

	second := &proto.Message{ID: "a", Topic: "other", Payload: []byte(`2`)}
	require.False(t, c.Insert(second))
	require.Equal(t, 1, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Same(t, first, got)
}

func TestBatchEvictionDownToNinetyPercent(t *testing.T) {
	c := New(100)
	for i := 0; i < 100; i++ {
		c.Insert(msg(fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, 100, c.Len())

	c.Insert(msg("m100"))
	require.Equal(t, 90, c.Len())
	for i := 0; i <= 10; i++ {
		require.False(t, c.Has(fmt.Sprintf("m%d", i)), "m%d should be evicted", i)
	}
	for i := 11; i <= 100; i++ {
		require.True(t, c.Has(fmt.Sprintf("m%d", i)), "m%d should be kept", i)
	}
}

func TestEvictionAfterCapacityPlusOne(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 50} {
		c := New(capacity)
		for i := 0; i <= capacity; i++ {
			c.Insert(msg(fmt.Sprintf("m%d", i)))
		}
		require.False(t, c.Has("m0"), "capacity %d", capacity)
		require.True(t, c.Has(fmt.Sprintf("m%d", capacity)), "capacity %d", capacity)
		require.LessOrEqual(t, c.Len(), capacity)
	}
}

func TestEvictedIDCanBeReinserted(t *testing.T) {
	c := New(2)
	c.Insert(msg("a"))
	c.Insert(msg("b"))
	c.Insert(msg("c"))
	require.False(t, c.Has("a"))
	require.True(t, c.Insert(msg("a")))
	require.True(t, c.Has("a"))
}
