package addrmap

import (
	"errors"
	"testing"

	"github.com/rvvm-go/rvvm/internal/word"
)

func TestInsertOverlap(t *testing.T) {
	m := New()

	if err := m.Insert(Entry{Base: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Insert() = %v, want nil", err)
	}

	if err := m.Insert(Entry{Base: 0x1800, Size: 0x100}); !errors.Is(err, ErrOverlap) {
		t.Errorf("Insert(overlapping) = %v, want ErrOverlap", err)
	}

	if err := m.Insert(Entry{Base: 0x2000, Size: 0x1000}); err != nil {
		t.Errorf("Insert(adjacent) = %v, want nil", err)
	}
}

func TestLookup(t *testing.T) {
	m := New()
	_ = m.Insert(Entry{Base: 0x1000, Size: 0x1000, Ref: "a"})
	_ = m.Insert(Entry{Base: 0x3000, Size: 0x100, Ref: "b"})

	tcs := []struct {
		name string
		addr word.Addr
		want bool
	}{
		{"start of a", 0x1000, true},
		{"end exclusive of a", 0x2000, false},
		{"inside b", 0x3050, true},
		{"unmapped gap", 0x2800, false},
	}

	for _, tc := range tcs {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, ok := m.Lookup(tc.addr)
			if ok != tc.want {
				t.Errorf("Lookup(%s) ok = %v, want %v", tc.addr, ok, tc.want)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	m := New()
	_ = m.Insert(Entry{Base: 0x1000, Size: 0x1000})

	m.Remove(0x1000)

	if _, ok := m.Lookup(0x1000); ok {
		t.Error("Lookup() after Remove() found an entry, want none")
	}

	if err := m.Insert(Entry{Base: 0x1000, Size: 0x1000}); err != nil {
		t.Errorf("re-Insert() after Remove() = %v, want nil", err)
	}
}

func TestZoneAuto(t *testing.T) {
	m := New()
	_ = m.Insert(Entry{Base: 0x1000, Size: 0x1000})

	got := m.ZoneAuto(0x1000, 0x500)
	if got != 0x2000 {
		t.Errorf("ZoneAuto() = %s, want 0x2000", got)
	}

	got = m.ZoneAuto(0x5000, 0x500)
	if got != 0x5000 {
		t.Errorf("ZoneAuto(free hint) = %s, want 0x5000", got)
	}
}
