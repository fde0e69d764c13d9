package ringbuf

import (
	"context"
	"sync"
	"time"
)

// ByteRing is a fixed-capacity circular byte stream. [ByteRing.Write] never
// blocks: when the buffer is full the oldest unread bytes are discarded so
// that real-time audio always favours fresh data. Readers block on an empty
// buffer until a write arrives, the timeout expires or the context ends.
//
// The read and write cursors always lie in [0, capacity).
type ByteRing struct {
	mu    sync.Mutex
	buf   []byte
	r, w  int
	n     int
	epoch uint64
	wake  signal

	overwritten uint64
}

// NewByteRing allocates a ring holding up to capacity bytes.
func NewByteRing(capacity int) (*ByteRing, error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	return &ByteRing{
		buf:  make([]byte, capacity),
		wake: newSignal(),
	}, nil
}

// Cap returns the fixed capacity in bytes.
func (b *ByteRing) Cap() int { return len(b.buf) }

// Available returns the number of unread bytes.
func (b *ByteRing) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Free returns the number of bytes that can be written without overwriting.
func (b *ByteRing) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.n
}

// Overwritten returns the total number of unread bytes discarded by
// overflowing writes since the ring was created.
func (b *ByteRing) Overwritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overwritten
}

// Epoch returns a counter incremented by every [ByteRing.Clear].
func (b *ByteRing) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Write appends p, discarding the oldest unread bytes if p does not fit.
// A write larger than the capacity leaves exactly the last Cap() bytes of p.
func (b *ByteRing) Write(p []byte) error {
	if len(p) == 0 {
		return ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.buf)
	if len(p) >= size {
		b.overwritten += uint64(b.n)
		b.overwritten += uint64(len(p) - size)
		copy(b.buf, p[len(p)-size:])
		b.r, b.w, b.n = 0, 0, size
		b.wake.notify()
		return nil
	}

	if drop := len(p) - (size - b.n); drop > 0 {
		b.r = (b.r + drop) % size
		b.n -= drop
		b.overwritten += uint64(drop)
	}
	b.put(p)
	b.wake.notify()
	return nil
}

// TryWrite appends p only if it fits entirely in the free space. Otherwise
// it returns [ErrCapacityExceeded] and leaves the buffer untouched.
func (b *ByteRing) TryWrite(p []byte) error {
	if len(p) == 0 {
		return ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > len(b.buf)-b.n {
		return ErrCapacityExceeded
	}
	b.put(p)
	b.wake.notify()
	return nil
}

// put copies p at the write cursor. Caller holds mu and guarantees space.
func (b *ByteRing) put(p []byte) {
	k := copy(b.buf[b.w:], p)
	if k < len(p) {
		copy(b.buf, p[k:])
	}
	b.w = (b.w + len(p)) % len(b.buf)
	b.n += len(p)
}

// take copies up to len(p) bytes from the read cursor. Caller holds mu.
func (b *ByteRing) take(p []byte) int {
	want := min(len(p), b.n)
	k := copy(p[:want], b.buf[b.r:])
	if k < want {
		copy(p[k:want], b.buf)
	}
	b.r = (b.r + want) % len(b.buf)
	b.n -= want
	return want
}

// Read copies between 1 and len(p) currently available bytes into p. On an
// empty buffer it waits up to timeout for a write and returns whatever has
// arrived, which may be fewer than len(p) bytes. A negative timeout waits
// forever; zero does not wait. [ErrTimeout] is returned if nothing arrived.
func (b *ByteRing) Read(p []byte, timeout time.Duration) (int, error) {
	expire, noWait, stop := deadline(timeout)
	defer stop()
	return b.read(context.Background(), p, expire, noWait, nil)
}

// ReadContext is like [ByteRing.Read] but waits until data arrives or ctx is
// done.
func (b *ByteRing) ReadContext(ctx context.Context, p []byte) (int, error) {
	return b.read(ctx, p, nil, false, nil)
}

// ReadSince is like [ByteRing.ReadContext] but fails with [ErrReset] when
// the buffer has been cleared after epoch. Readers that interpret the stream
// as records use it to detect that a partially read record was discarded.
func (b *ByteRing) ReadSince(ctx context.Context, p []byte, epoch uint64) (int, error) {
	return b.read(ctx, p, nil, false, &epoch)
}

// ReadFull reads exactly len(p) bytes, waiting as long as ctx allows.
func (b *ByteRing) ReadFull(ctx context.Context, p []byte) error {
	for got := 0; got < len(p); {
		n, err := b.ReadContext(ctx, p[got:])
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func (b *ByteRing) read(ctx context.Context, p []byte, expire <-chan time.Time, noWait bool, epoch *uint64) (int, error) {
	if len(p) == 0 {
		return 0, ErrInvalidArgument
	}
	for {
		b.mu.Lock()
		if epoch != nil && b.epoch != *epoch {
			b.mu.Unlock()
			return 0, ErrReset
		}
		if b.n > 0 {
			n := b.take(p)
			b.mu.Unlock()
			return n, nil
		}
		if noWait {
			b.mu.Unlock()
			return 0, ErrTimeout
		}
		wake := b.wake.wait()
		b.mu.Unlock()

		expired, err := await(ctx, wake, expire)
		if err != nil {
			return 0, err
		}
		// One last look after the deadline in case a write raced the timer.
		noWait = expired
	}
}

// Clear discards all unread bytes, resets both cursors and advances the
// epoch. Blocked readers are woken so that [ByteRing.ReadSince] callers can
// observe the reset.
func (b *ByteRing) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.r, b.w, b.n = 0, 0, 0
	b.epoch++
	b.wake.notify()
}
