package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferDropsOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot())
	assert.Equal(t, 3, rb.Len())
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer[string](4)
	rb.Push("a")
	rb.Push("b")
	rb.Push("c")
	assert.Equal(t, []string{"b", "c"}, rb.Last(2))
	assert.Equal(t, []string{"a", "b", "c"}, rb.Last(10))
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewRingBuffer[int](2)
	assert.Empty(t, rb.Snapshot())
	assert.Empty(t, rb.Last(1))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/base", "x.json"), ResolvePath("/base", "x.json"))
	assert.Equal(t, "/abs/x.json", ResolvePath("/base", "/abs/x.json"))
}

func TestJSONFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "v.json")
	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, WriteJSONFile(path, payload{Name: "parley"}))

	var got payload
	require.NoError(t, ReadJSONFile(path, &got))
	assert.Equal(t, "parley", got.Name)
}
