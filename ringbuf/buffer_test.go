package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestFreeSpacePlusUsedBytesIsCapacityMinusOne(t *testing.T) {
	b := New(64)
	require.Equal(t, 63, b.FreeSpace())
	require.Equal(t, 0, b.UsedBytes())

	require.NoError(t, b.Write(sequence(40), 1<<20))
	assert.Equal(t, 63, b.FreeSpace()+b.UsedBytes())

	b.AdvanceTail(10)
	assert.Equal(t, 63, b.FreeSpace()+b.UsedBytes())

	require.NoError(t, b.Write(sequence(5), 1<<20))
	assert.Equal(t, 63, b.FreeSpace()+b.UsedBytes())
}

func TestDoubleSizePreservesReadableSequence(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(50), 1<<20))
	b.AdvanceTail(20)

	before := append([]byte{}, b.TailPtr()...)

	b.DoubleSize()

	assert.Equal(t, b.UsedBytes(), b.MaxReadSize())
	assert.Equal(t, before, b.TailPtr())
}

// S1: fill to exact capacity after a partial advance, wrapping head past 0;
// freeSpace must reach 0 and a further write must fail rather than
// silently overwrite unread bytes.
func TestFillToCapacityAfterAdvance(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(40), 64))
	b.AdvanceTail(16)

	require.NoError(t, b.Write(sequence(39), 64))
	assert.Equal(t, 0, b.FreeSpace())
	assert.Equal(t, 63, b.UsedBytes())
	assert.Equal(t, 15, b.head, "head must have wrapped past 0")

	err := b.Write([]byte{99}, 64)
	assert.Error(t, err)
}

// S2: after writing 63 bytes and doubling, tail==0, head==63,
// maxWriteSize==64, maxReadSize==63, and the grown region is the fill byte.
func TestDoubleSizeAfterFillingWithoutWrap(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(63), 1<<20))

	b.DoubleSize()

	assert.Equal(t, 0, b.tail)
	assert.Equal(t, 63, b.head)
	assert.Equal(t, 64, b.MaxWriteSize())
	assert.Equal(t, 63, b.MaxReadSize())
	for i := 63; i < 128; i++ {
		assert.Equal(t, fillByte, int(b.data[i]), "index %d", i)
	}
}

// S3: tail=10, buffer filled to capacity wrapping head back past index 0.
// Doubling must relocate the wrapped region to the tail of the new array,
// leaving tail unchanged and head at tail+usedBytes.
func TestDoubleSizeRelocatesWrappedRegion(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(10), 1<<20))
	b.AdvanceTail(10)
	require.NoError(t, b.Write(sequence(63), 64))
	require.Equal(t, 10, b.tail)
	require.Equal(t, 9, b.head)
	require.Equal(t, 63, b.UsedBytes())

	wrappedOldBytes := append([]byte{}, b.data[0:b.head]...)

	b.DoubleSize()

	assert.Equal(t, 10, b.tail)
	assert.Equal(t, 73, b.head)
	assert.Equal(t, wrappedOldBytes, b.data[64:73])
}

func TestEnsureFreeSpaceCapsAtMaxGrow(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(60), 64))

	err := b.EnsureFreeSpace(100, 128)
	assert.Error(t, err)
	assert.Equal(t, 128, b.Size())
}

func TestResetSizeIfEligibleOnlyWhenEmpty(t *testing.T) {
	b := New(64)
	b.DoubleSize()
	require.NoError(t, b.Write(sequence(10), 1<<20))

	b.ResetSizeIfEligible(64)
	assert.Equal(t, 128, b.Size(), "must not shrink while non-empty")

	b.AdvanceTail(10)
	b.ResetSizeIfEligible(64)
	assert.Equal(t, 64, b.Size())
}

func TestPeekAheadOutOfRangePanics(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Write(sequence(3), 1<<20))
	assert.Panics(t, func() { b.PeekAhead(3) })
	assert.Equal(t, byte(1), b.PeekAhead(0))
}
