// Package ringbuf implements the growable circular byte buffer used for
// per-connection network framing. A Buffer is single-owner: callers must not
// share one across goroutines without external synchronization.
package ringbuf

import "fmt"

// fillByte is written into newly allocated capacity after a doubling. It has
// no behavioral meaning; test vectors assert on it to verify that doubling
// does not silently zero unrelated bytes.
const fillByte = 5

// Buffer is a contiguous ring with a power-of-two capacity. One slot is
// always kept empty so that head==tail is unambiguous: it means "empty".
// tail is the read position (consumers advance it); head is the write
// position (producers advance it). Usable capacity is size-1 bytes.
type Buffer struct {
	data []byte
	head int // write position
	tail int // read position
}

// New creates a Buffer with the given power-of-two size.
func New(size int) *Buffer {
	if size <= 0 || size&(size-1) != 0 {
		panic(fmt.Sprintf("ringbuf: size %d is not a positive power of two", size))
	}
	return &Buffer{data: make([]byte, size)}
}

// Size returns the current allocated capacity (including the reserved slot).
func (b *Buffer) Size() int {
	return len(b.data)
}

// UsedBytes returns the number of logical bytes currently stored.
func (b *Buffer) UsedBytes() int {
	if b.head >= b.tail {
		return b.head - b.tail
	}
	return len(b.data) - b.tail + b.head
}

// FreeSpace returns how many bytes can still be written before the buffer is full.
func (b *Buffer) FreeSpace() int {
	return len(b.data) - 1 - b.UsedBytes()
}

// MaxReadSize returns the size of the contiguous slice returned by TailPtr.
func (b *Buffer) MaxReadSize() int {
	if b.head >= b.tail {
		return b.head - b.tail
	}
	return len(b.data) - b.tail
}

// MaxWriteSize returns the size of the contiguous slice returned by HeadPtr.
func (b *Buffer) MaxWriteSize() int {
	if b.head >= b.tail {
		n := len(b.data) - b.head
		if b.tail == 0 {
			// One slot must stay free to keep head==tail meaning "empty".
			n--
		}
		return n
	}
	return b.tail - b.head - 1
}

// HeadPtr returns the contiguous writable slice starting at the write
// position. Callers write into it and then call AdvanceHead.
func (b *Buffer) HeadPtr() []byte {
	return b.data[b.head : b.head+b.MaxWriteSize()]
}

// TailPtr returns the contiguous readable slice starting at the read
// position. Callers read from it and then call AdvanceTail.
func (b *Buffer) TailPtr() []byte {
	return b.data[b.tail : b.tail+b.MaxReadSize()]
}

// AdvanceHead marks n more bytes as written (moves the write position forward).
func (b *Buffer) AdvanceHead(n int) {
	if n < 0 || n > b.FreeSpace() {
		panic(fmt.Sprintf("ringbuf: AdvanceHead(%d) exceeds free space %d", n, b.FreeSpace()))
	}
	b.head = (b.head + n) % len(b.data)
}

// AdvanceTail marks n bytes as consumed (moves the read position forward).
func (b *Buffer) AdvanceTail(n int) {
	if n < 0 || n > b.UsedBytes() {
		panic(fmt.Sprintf("ringbuf: AdvanceTail(%d) exceeds used bytes %d", n, b.UsedBytes()))
	}
	b.tail = (b.tail + n) % len(b.data)
}

// PeekAhead returns the byte at logical offset i from the current read
// position without consuming it. i must be less than UsedBytes.
func (b *Buffer) PeekAhead(i int) byte {
	if i < 0 || i >= b.UsedBytes() {
		panic(fmt.Sprintf("ringbuf: PeekAhead(%d) out of range, used=%d", i, b.UsedBytes()))
	}
	return b.data[(b.tail+i)%len(b.data)]
}

// Write copies p into the buffer, growing if necessary up to maxGrow, and
// advances the head. It returns an error if p does not fit even after
// growing to maxGrow.
func (b *Buffer) Write(p []byte, maxGrow int) error {
	if err := b.EnsureFreeSpace(len(p), maxGrow); err != nil {
		return err
	}
	remaining := p
	for len(remaining) > 0 {
		n := copy(b.HeadPtr(), remaining)
		b.AdvanceHead(n)
		remaining = remaining[n:]
	}
	return nil
}

// EnsureFreeSpace doubles the buffer until it can hold n more bytes, or
// until the next doubling would exceed maxGrow, in which case it grows to
// exactly maxGrow (if that still isn't enough, it returns an error).
func (b *Buffer) EnsureFreeSpace(n int, maxGrow int) error {
	for b.FreeSpace() < n {
		next := len(b.data) * 2
		if next > maxGrow {
			if len(b.data) >= maxGrow {
				return fmt.Errorf("ringbuf: cannot grow past %d bytes to fit %d more", maxGrow, n)
			}
			b.growTo(maxGrow)
			if b.FreeSpace() < n {
				return fmt.Errorf("ringbuf: capped at %d bytes, still short of %d more", maxGrow, n)
			}
			return nil
		}
		b.DoubleSize()
	}
	return nil
}

// DoubleSize doubles the buffer's capacity in place, preserving logical
// content and the position TailPtr starts at. See growTo for the algorithm.
func (b *Buffer) DoubleSize() {
	b.growTo(len(b.data) * 2)
}

// growTo reallocates to exactly newSize (which must be >= current size and,
// in normal operation, a power of two). The new array is filled with
// fillByte so unused capacity is recognizable in tests. tail (the read
// position) is left unchanged so TailPtr continues to observe the same byte
// sequence; head becomes tail+used (mod newSize). Content that wrapped
// around past index 0 in the old buffer is relocated to
// [oldSize, oldSize+head) in the new one.
func (b *Buffer) growTo(newSize int) {
	used := b.UsedBytes()
	oldSize := len(b.data)

	newData := make([]byte, newSize)
	for i := range newData {
		newData[i] = fillByte
	}

	full := used == oldSize-1
	wrapped := b.head < b.tail || (b.head == b.tail && full)

	if !wrapped {
		copy(newData[b.tail:], b.data[b.tail:b.head])
	} else {
		copy(newData[b.tail:oldSize], b.data[b.tail:oldSize])
		copy(newData[oldSize:oldSize+b.head], b.data[0:b.head])
	}

	b.data = newData
	b.head = (b.tail + used) % newSize
}

// ResetSizeIfEligible shrinks the buffer back to target bytes, but only when
// it is currently empty; otherwise it is a no-op.
func (b *Buffer) ResetSizeIfEligible(target int) {
	if b.UsedBytes() != 0 {
		return
	}
	if len(b.data) <= target {
		return
	}
	b.data = make([]byte, target)
	b.head = 0
	b.tail = 0
}
