package bus

import (
	"errors"
	"testing"

	"github.com/rvvm-go/rvvm/internal/word"
)

func TestBusRAMFastPath(t *testing.T) {
	b := New()
	ram := make([]byte, 0x1000)
	b.SetRAM(0x80000000, ram)

	in := []byte{1, 2, 3, 4}
	if err := b.Store(0x80000010, in, 4); err != nil {
		t.Fatalf("Store() = %v, want nil", err)
	}

	out := make([]byte, 4)
	if err := b.Load(0x80000010, out, 4); err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBusUnmappedAccessFault(t *testing.T) {
	b := New()

	out := make([]byte, 4)
	err := b.Load(0xdead0000, out, 4)
	if !errors.Is(err, ErrAccessFault) {
		t.Errorf("Load(unmapped) = %v, want ErrAccessFault", err)
	}
}

func TestBusWidthFault(t *testing.T) {
	b := New()

	r := &Region{
		Addr:      0x1000,
		Size:      0x10,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read: func(_ *Region, buf []byte, offset word.Addr, size uint8) bool {
			return true
		},
	}

	if err := b.Attach(r); err != nil {
		t.Fatalf("Attach() = %v, want nil", err)
	}

	out := make([]byte, 1)
	if err := b.Load(0x1000, out, 1); !errors.Is(err, ErrAccessFault) {
		t.Errorf("Load(width 1, want fault) = %v", err)
	}

	out4 := make([]byte, 4)
	if err := b.Load(0x1000, out4, 4); err != nil {
		t.Errorf("Load(width 4) = %v, want nil", err)
	}
}

func TestBusAttachOverlap(t *testing.T) {
	b := New()

	r1 := &Region{Addr: 0x2000, Size: 0x1000}
	r2 := &Region{Addr: 0x2800, Size: 0x100}

	if err := b.Attach(r1); err != nil {
		t.Fatalf("Attach(r1) = %v, want nil", err)
	}

	if err := b.Attach(r2); !errors.Is(err, ErrOverlap) {
		t.Errorf("Attach(r2 overlapping) = %v, want ErrOverlap", err)
	}
}

func TestBusRemove(t *testing.T) {
	b := New()

	removed := false
	r := &Region{
		Addr: 0x3000,
		Size: 0x100,
		Type: &DeviceType{Name: "test", Remove: func(*Region) { removed = true }},
	}

	_ = b.Attach(r)
	b.Remove(r)

	if !removed {
		t.Error("Remove() did not invoke the device type's Remove hook")
	}

	out := make([]byte, 1)
	if err := b.Load(0x3000, out, 1); !errors.Is(err, ErrAccessFault) {
		t.Errorf("Load() after Remove() = %v, want ErrAccessFault", err)
	}
}

func TestDMAPointer(t *testing.T) {
	b := New()
	ram := make([]byte, 0x100)
	b.SetRAM(0x80000000, ram)

	ptr := b.DMAPointer(0x80000010, 0x10)
	if ptr == nil {
		t.Fatal("DMAPointer() = nil, want a slice")
	}

	ptr[0] = 0x42

	if ram[0x10] != 0x42 {
		t.Error("DMAPointer() slice does not alias the RAM buffer")
	}

	if out := b.DMAPointer(0x80000000, 0x1000); out != nil {
		t.Error("DMAPointer(out of range) = non-nil, want nil")
	}
}
