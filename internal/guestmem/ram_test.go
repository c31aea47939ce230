package guestmem

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/tinyrange/vits/internal/hv"
)

func TestRAMReadWrite(t *testing.T) {
	ram, err := New(0x4000_0000, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ram.Close()

	want := []byte{1, 2, 3, 4}
	if _, err := ram.WriteAt(want, 0x4000_0ff0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := ram.ReadAt(got, 0x4000_0ff0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %v, want %v", got, want)
	}
}

func TestRAMOutOfRange(t *testing.T) {
	ram, err := New(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ram.Close()

	tests := []struct {
		name string
		addr int64
		size int
	}{
		{"below base", 0x0ff8, 8},
		{"straddles end", 0x1ffc, 8},
		{"past end", 0x2000, 1},
		{"negative", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.size)
			n, err := ram.ReadAt(buf, tt.addr)
			if !errors.Is(err, hv.ErrMemoryFault) {
				t.Fatalf("ReadAt error = %v, want ErrMemoryFault", err)
			}
			if n != 0 {
				t.Fatalf("ReadAt copied %d bytes on fault", n)
			}
		})
	}
}

func TestRAMRejectsZeroSize(t *testing.T) {
	if _, err := New(0, 0); err == nil {
		t.Fatalf("expected error for zero-size RAM")
	}
}

func TestRAMRejectsOversizedSize(t *testing.T) {
	if _, err := New(0, math.MaxInt+1); err == nil {
		t.Fatalf("expected error for RAM larger than the host address space")
	}
}
