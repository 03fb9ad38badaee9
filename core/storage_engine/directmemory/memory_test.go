package directmemory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsZeroedBuffer(t *testing.T) {
	memory := New(16, 4, nil)

	pointer, err := memory.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, NullPointer, pointer)

	buf, err := memory.Get(pointer, 0, 16)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), buf)
}

func TestSetAndGetAtOffset(t *testing.T) {
	memory := New(16, 4, nil)

	pointer, err := memory.Allocate()
	require.NoError(t, err)

	require.NoError(t, memory.Set(pointer, 4, []byte{1, 2, 3}))
	buf, err := memory.Get(pointer, 4, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf)
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	memory := New(16, 2, nil)

	for i := 0; i < 2; i++ {
		_, err := memory.Allocate()
		require.NoError(t, err)
	}
	_, err := memory.Allocate()
	require.ErrorIs(t, err, ErrMemoryExhausted)
}

func TestFreeMakesRoomAndReusesBuffers(t *testing.T) {
	memory := New(16, 1, nil)

	pointer, err := memory.Allocate()
	require.NoError(t, err)
	require.NoError(t, memory.Set(pointer, 0, []byte{0xAA, 0xBB}))
	memory.Free(pointer)
	require.Equal(t, 0, memory.Allocated())

	// The recycled buffer must come back zeroed under a fresh pointer.
	reused, err := memory.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, pointer, reused)
	buf, err := memory.Get(reused, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, buf)
}

func TestFreeNullPointerIsNoop(t *testing.T) {
	memory := New(16, 1, nil)
	memory.Free(NullPointer)
	require.Equal(t, 0, memory.Allocated())
}

func TestAccessThroughStalePointerFails(t *testing.T) {
	memory := New(16, 1, nil)

	pointer, err := memory.Allocate()
	require.NoError(t, err)
	memory.Free(pointer)

	_, err = memory.Get(pointer, 0, 1)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.ErrorIs(t, memory.Set(pointer, 0, []byte{1}), ErrInvalidPointer)
}

func TestOutOfBoundsAccessFails(t *testing.T) {
	memory := New(16, 1, nil)

	pointer, err := memory.Allocate()
	require.NoError(t, err)

	_, err = memory.Get(pointer, 10, 8)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.ErrorIs(t, memory.Set(pointer, 15, []byte{1, 2}), ErrInvalidPointer)
}
