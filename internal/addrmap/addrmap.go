// Package addrmap implements the machine's physical address space: a sorted,
// non-overlapping set of [base, base+size) regions, the lookup the bus performs on
// every guest access, and the hinted allocator devices use to pick an MMIO address.
package addrmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rvvm-go/rvvm/internal/word"
)

// ErrOverlap is returned when a requested region intersects one already present.
var ErrOverlap = errors.New("addrmap: overlap")

// Entry is one [Base, Base+Size) slot in the address map. Ref is an opaque handle the
// owner associates with the region; AddressMap does not interpret it.
type Entry struct {
	Base word.Addr
	Size word.Size
	Ref  any
}

func (e Entry) end() word.Addr {
	return e.Base.Add(uint64(e.Size))
}

func (e Entry) contains(addr word.Addr) bool {
	return addr >= e.Base && addr < e.end()
}

func (e Entry) overlaps(o Entry) bool {
	if e.Size == 0 || o.Size == 0 {
		return false
	}

	return e.Base < o.end() && o.Base < e.end()
}

// AddressMap holds the sorted entries of a single 64-bit physical address space.
type AddressMap struct {
	entries []Entry
}

// New creates an empty address map.
func New() *AddressMap {
	return &AddressMap{}
}

// Insert adds entry to the map. It fails with ErrOverlap if entry intersects any
// existing entry; the map is left unchanged on failure.
func (m *AddressMap) Insert(entry Entry) error {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Base >= entry.Base })

	if i > 0 && m.entries[i-1].overlaps(entry) {
		return fmt.Errorf("%w: %s..%s", ErrOverlap, entry.Base, entry.end())
	}

	if i < len(m.entries) && m.entries[i].overlaps(entry) {
		return fmt.Errorf("%w: %s..%s", ErrOverlap, entry.Base, entry.end())
	}

	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry

	return nil
}

// Remove deletes the entry with the given base address, if present.
func (m *AddressMap) Remove(base word.Addr) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Base >= base })
	if i < len(m.entries) && m.entries[i].Base == base {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
}

// Lookup returns the entry containing addr, and true, or the zero Entry and false.
func (m *AddressMap) Lookup(addr word.Addr) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Base > addr }) - 1
	if i >= 0 && m.entries[i].contains(addr) {
		return m.entries[i], true
	}

	return Entry{}, false
}

// ZoneAuto returns hint if [hint, hint+size) is free, else the lowest free address at or
// above hint that fits size without overlapping any existing entry.
func (m *AddressMap) ZoneAuto(hint word.Addr, size word.Size) word.Addr {
	candidate := Entry{Base: hint, Size: size}
	if _, clash := m.firstOverlap(candidate); !clash {
		return hint
	}

	addr := hint

	for {
		candidate = Entry{Base: addr, Size: size}

		entry, clash := m.firstOverlap(candidate)
		if !clash {
			return addr
		}

		addr = entry.end()
	}
}

func (m *AddressMap) firstOverlap(candidate Entry) (Entry, bool) {
	for _, e := range m.entries {
		if e.overlaps(candidate) {
			return e, true
		}
	}

	return Entry{}, false
}

// Entries returns the map's entries in ascending address order. The returned slice must
// not be mutated.
func (m *AddressMap) Entries() []Entry {
	return m.entries
}
