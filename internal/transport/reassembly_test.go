package transport_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/voxlink/internal/transport"
)

func TestReassembler_DeclaredTotal(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(1024)
	msg := []byte("hello fragmented world")

	var got []byte
	for off := 0; off < len(msg); off += 5 {
		end := min(off+5, len(msg))
		out, done, err := r.Add(transport.Fragment{Offset: off, Total: len(msg), Data: msg[off:end]})
		if err != nil {
			t.Fatalf("Add at %d: %v", off, err)
		}
		if done != (end == len(msg)) {
			t.Fatalf("Add at %d: done = %v", off, done)
		}
		if done {
			got = out
		}
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("reassembled %q, want %q", got, msg)
	}
}

func TestReassembler_FinalFlag(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(1024)

	if _, done, _ := r.Add(transport.Fragment{Offset: 0, Data: []byte("ab")}); done {
		t.Fatal("message completed before final fragment")
	}
	out, done, err := r.Add(transport.Fragment{Offset: 2, Final: true, Data: []byte("cd")})
	if err != nil || !done {
		t.Fatalf("Add final = (%v, %v)", done, err)
	}
	if string(out) != "abcd" {
		t.Errorf("got %q, want %q", out, "abcd")
	}
}

func TestReassembler_OffsetZeroRestarts(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(1024)

	_, _, _ = r.Add(transport.Fragment{Offset: 0, Total: 10, Data: []byte("stale")})
	out, done, err := r.Add(transport.Fragment{Offset: 0, Total: 3, Data: []byte("new")})
	if err != nil || !done {
		t.Fatalf("Add = (%v, %v)", done, err)
	}
	if string(out) != "new" {
		t.Errorf("got %q, want %q", out, "new")
	}
}

func TestReassembler_GapIsRejected(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(1024)

	_, _, _ = r.Add(transport.Fragment{Offset: 0, Total: 10, Data: []byte("abc")})
	if _, _, err := r.Add(transport.Fragment{Offset: 5, Total: 10, Data: []byte("fgh")}); !errors.Is(err, transport.ErrFragment) {
		t.Fatalf("Add with gap = %v, want ErrFragment", err)
	}
	if _, _, err := r.Add(transport.Fragment{Offset: 3, Data: []byte("x")}); !errors.Is(err, transport.ErrFragment) {
		t.Errorf("continuation after reset = %v, want ErrFragment", err)
	}
}

func TestReassembler_Limit(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(4)
	if _, _, err := r.Add(transport.Fragment{Offset: 0, Total: 10, Data: []byte("ab")}); !errors.Is(err, transport.ErrFragment) {
		t.Errorf("declared oversize = %v, want ErrFragment", err)
	}
	_, _, _ = r.Add(transport.Fragment{Offset: 0, Data: []byte("abc")})
	if _, _, err := r.Add(transport.Fragment{Offset: 3, Data: []byte("de")}); !errors.Is(err, transport.ErrFragment) {
		t.Errorf("accumulated oversize = %v, want ErrFragment", err)
	}
}

func TestReassembler_ReturnsOwnedSlice(t *testing.T) {
	t.Parallel()
	r := transport.NewReassembler(64)
	first, _, _ := r.Add(transport.Fragment{Offset: 0, Final: true, Data: []byte("one")})
	_, _, _ = r.Add(transport.Fragment{Offset: 0, Final: true, Data: []byte("two")})
	if string(first) != "one" {
		t.Errorf("first message mutated to %q", first)
	}
}
