package ringbuf

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
)

// headerSize is the length prefix stored in front of every packet.
const headerSize = 2

// maxPacketLimit is the largest payload a 16-bit length prefix can describe.
const maxPacketLimit = 1<<16 - 1

// PacketRing stores whole packets as [u16 little-endian length][payload]
// records in a single byte region. Writes beyond the packet-count ceiling are
// rejected rather than overwriting, so the caller always learns about loss.
// A record that would cross the physical end of the region is placed at
// offset 0 instead; records are never split.
//
// The region holds count+1 maximum-sized records. The extra record absorbs
// the padding left at the end by a wrap, so the count ceiling is the only
// reason a write is refused.
type PacketRing struct {
	mu        sync.Mutex
	buf       []byte
	maxPacket int
	limit     int

	r, w    int
	count   int
	wrapped bool // writer has wrapped to offset 0 ahead of the reader
	wrapEnd int  // end of valid data before the wrap point
	wake    signal
}

// NewPacketRing allocates a ring that holds up to count packets of at most
// maxPacket bytes each.
func NewPacketRing(count, maxPacket int) (*PacketRing, error) {
	if count <= 0 || maxPacket <= 0 || maxPacket > maxPacketLimit {
		return nil, ErrInvalidArgument
	}
	return &PacketRing{
		buf:       make([]byte, (count+1)*(headerSize+maxPacket)),
		maxPacket: maxPacket,
		limit:     count,
		wake:      newSignal(),
	}, nil
}

// Cap returns the packet-count ceiling.
func (q *PacketRing) Cap() int { return q.limit }

// MaxPacket returns the largest accepted payload size.
func (q *PacketRing) MaxPacket() int { return q.maxPacket }

// Count returns the number of stored packets.
func (q *PacketRing) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Write stores p as one packet. It fails with [ErrCapacityExceeded] when
// Cap() packets are already stored and with [ErrPacketTooLarge] when p is
// longer than MaxPacket().
func (q *PacketRing) Write(p []byte) error {
	if len(p) == 0 {
		return ErrInvalidArgument
	}
	if len(p) > q.maxPacket {
		return ErrPacketTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.limit {
		return ErrCapacityExceeded
	}
	need := headerSize + len(p)
	if q.wrapped {
		if q.r-q.w < need {
			return ErrCapacityExceeded
		}
	} else if len(q.buf)-q.w < need {
		if q.r < need {
			return ErrCapacityExceeded
		}
		q.wrapEnd = q.w
		q.w = 0
		q.wrapped = true
	}

	binary.LittleEndian.PutUint16(q.buf[q.w:], uint16(len(p)))
	copy(q.buf[q.w+headerSize:], p)
	q.w += need
	q.count++
	q.wake.notify()
	return nil
}

// Read copies exactly one packet into dst and returns its length. On an
// empty ring it waits up to timeout (negative waits forever, zero does not
// wait) and returns [ErrTimeout] if nothing arrived. If the packet is longer
// than dst it is consumed anyway and [ErrDestinationTooSmall] is returned.
func (q *PacketRing) Read(dst []byte, timeout time.Duration) (int, error) {
	expire, noWait, stop := deadline(timeout)
	defer stop()
	return q.read(context.Background(), dst, expire, noWait)
}

// ReadContext is like [PacketRing.Read] but waits until a packet arrives or
// ctx is done.
func (q *PacketRing) ReadContext(ctx context.Context, dst []byte) (int, error) {
	return q.read(ctx, dst, nil, false)
}

func (q *PacketRing) read(ctx context.Context, dst []byte, expire <-chan time.Time, noWait bool) (int, error) {
	if len(dst) == 0 {
		return 0, ErrInvalidArgument
	}
	for {
		q.mu.Lock()
		if q.count > 0 {
			n, err := q.pop(dst)
			q.mu.Unlock()
			return n, err
		}
		if noWait {
			q.mu.Unlock()
			return 0, ErrTimeout
		}
		wake := q.wake.wait()
		q.mu.Unlock()

		expired, err := await(ctx, wake, expire)
		if err != nil {
			return 0, err
		}
		noWait = expired
	}
}

// pop removes the packet at the read cursor. Caller holds mu and count > 0.
func (q *PacketRing) pop(dst []byte) (int, error) {
	n := int(binary.LittleEndian.Uint16(q.buf[q.r:]))
	start := q.r + headerSize
	var err error
	if n > len(dst) {
		err = ErrDestinationTooSmall
	} else {
		copy(dst, q.buf[start:start+n])
	}

	q.r = start + n
	q.count--
	switch {
	case q.count == 0:
		q.r, q.w, q.wrapped = 0, 0, false
	case q.wrapped && q.r == q.wrapEnd:
		q.r, q.wrapped = 0, false
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Clear drops every stored packet.
func (q *PacketRing) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.r, q.w, q.count, q.wrapped, q.wrapEnd = 0, 0, 0, false, 0
}
