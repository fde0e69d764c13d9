package transport

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrFragment is returned by [Reassembler.Add] for fragments that cannot be
// placed: an offset that does not continue the message in progress, or a
// message larger than the configured limit. The partial message is dropped.
var ErrFragment = errors.New("transport: bad fragment")

// Fragment is one bounded slice of a logical inbound message.
type Fragment struct {
	// Offset is the position of Data within the message. Offset 0 always
	// starts a new message.
	Offset int

	// Total is the declared length of the whole message, or 0 if the
	// underlying delivery does not announce it up front.
	Total int

	// Final marks the last fragment when Total is not known.
	Final bool

	Data []byte
}

// Reassembler accumulates fragments into complete messages. It is not safe
// for concurrent use; one reassembler belongs to one read loop.
type Reassembler struct {
	limit int
	buf   []byte
	total int
	busy  bool
}

// NewReassembler returns a reassembler that rejects messages longer than
// limit bytes.
func NewReassembler(limit int) *Reassembler {
	return &Reassembler{limit: limit}
}

// Add consumes one fragment. It returns the complete message and true once
// the accumulated length reaches the declared total or the final fragment
// arrives. The returned slice is owned by the caller.
func (r *Reassembler) Add(f Fragment) ([]byte, bool, error) {
	if f.Offset == 0 {
		if r.busy {
			slog.Debug("transport: discarding incomplete message", "have", len(r.buf), "total", r.total)
		}
		r.buf = r.buf[:0]
		r.total = f.Total
		r.busy = true
	} else if !r.busy || f.Offset != len(r.buf) {
		have := len(r.buf)
		r.Reset()
		return nil, false, fmt.Errorf("%w: offset %d, have %d", ErrFragment, f.Offset, have)
	}

	if r.total > r.limit || len(r.buf)+len(f.Data) > r.limit {
		r.Reset()
		return nil, false, fmt.Errorf("%w: message exceeds %d bytes", ErrFragment, r.limit)
	}
	r.buf = append(r.buf, f.Data...)

	done := f.Final
	if r.total > 0 && len(r.buf) >= r.total {
		done = true
	}
	if !done {
		return nil, false, nil
	}

	msg := make([]byte, len(r.buf))
	copy(msg, r.buf)
	r.buf = r.buf[:0]
	r.busy = false
	return msg, true, nil
}

// Reset drops any partially accumulated message.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.total = 0
	r.busy = false
}
