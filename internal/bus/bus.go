// Package bus implements the MMIO access protocol of the machine substrate: the
// dispatch from a guest physical address and width to either RAM or an attached
// device's read/write handlers, and the DMA contract devices use to reach guest RAM.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rvvm-go/rvvm/internal/addrmap"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/word"
)

var (
	// ErrAccessFault is returned (and should be turned into a guest trap by the caller)
	// when a guest access cannot be completed: no region matches the address, the width
	// is outside [MinOpSize, MaxOpSize], or the region's callback refused the access.
	ErrAccessFault = errors.New("bus: access fault")

	// ErrAlignment is returned when a region's address is not aligned to its own
	// MaxOpSize, or a size is not a power of two in [1,8].
	ErrAlignment = errors.New("bus: alignment")

	// ErrOverlap is returned by Attach when the requested region overlaps one already
	// attached.
	ErrOverlap = addrmap.ErrOverlap
)

// Handler is a region's read or write callback. offset is always aligned to size;
// size is always a power of two in [region.MinOpSize, region.MaxOpSize]. Returning
// false raises an access fault and the callback's side effects (if any) are still
// considered to have happened -- devices that can fail must check arguments before
// mutating state.
type Handler func(r *Region, buf []byte, offset word.Addr, size uint8) bool

// DeviceType is the capability set a device type may implement. Any member may be
// nil. It is a plain record, not an interface with methods to implement, so devices
// are composed rather than subclassed.
type DeviceType struct {
	Name   string
	Remove func(*Region)
	Update func(*Region)
	Reset  func(*Region)
}

// Region describes one attached MMIO slot. A Region with Size == 0 is a placeholder
// reservation: it occupies address space but is never matched by an access.
type Region struct {
	Addr Addr
	Size word.Size

	MinOpSize uint8
	MaxOpSize uint8

	Read  Handler
	Write Handler

	// Mapping, if non-nil, is a direct host buffer backing the region. Its length must
	// equal Size. Writes to a region with a Mapping and no Write handler go straight to
	// the buffer and mark the region dirty; reads with no Read handler come from it.
	Mapping []byte

	Type *DeviceType
	Data any

	dirty bool
}

// Addr is a guest physical address; aliased here so callers of this package don't need
// to import word for the common case.
type Addr = word.Addr

// Dirty reports whether a direct-mapped region has been written to since the last
// ClearDirty call.
func (r *Region) Dirty() bool {
	return r.dirty
}

// ClearDirty resets the dirty flag.
func (r *Region) ClearDirty() {
	r.dirty = false
}

// Bus is the MMIO dispatch table plus the RAM fast path. Create one with New; it is
// usable with no RAM at all (RAM-less test fixtures) until SetRAM wires RAM in.
type Bus struct {
	mu   sync.RWMutex
	regs *addrmap.AddressMap
	byID map[*Region]struct{}

	ramBase word.Addr
	ram     []byte // nil if no RAM is attached.

	log *log.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		regs: addrmap.New(),
		byID: make(map[*Region]struct{}),
		log:  log.DefaultLogger(),
	}
}

// WithLogger overrides the bus's logger.
func (b *Bus) WithLogger(l *log.Logger) { b.log = l }

// SetRAM wires the fast path: accesses to [base, base+len(buf)) hit buf directly
// rather than going through the region table.
func (b *Bus) SetRAM(base word.Addr, buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ramBase = base
	b.ram = buf
}

// RAM returns the backing buffer and base address set by SetRAM.
func (b *Bus) RAM() (word.Addr, []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.ramBase, b.ram
}

func (b *Bus) inRAM(addr word.Addr, size uint8) ([]byte, bool) {
	if b.ram == nil {
		return nil, false
	}

	if addr < b.ramBase {
		return nil, false
	}

	off := uint64(addr - b.ramBase)
	if off+uint64(size) > uint64(len(b.ram)) {
		return nil, false
	}

	return b.ram[off : off+uint64(size)], true
}

// Attach validates disjointness and alignment, then adds region to the bus. The
// *Region passed in is the stable handle callers use for later Remove calls.
func (b *Bus) Attach(r *Region) error {
	if r.MaxOpSize == 0 {
		r.MaxOpSize = 8
	}

	if r.MinOpSize == 0 {
		r.MinOpSize = 1
	}

	if !word.PowerOfTwo(r.MinOpSize) || !word.PowerOfTwo(r.MaxOpSize) || r.MinOpSize > r.MaxOpSize || r.MaxOpSize > 8 {
		return fmt.Errorf("%w: op sizes %d..%d", ErrAlignment, r.MinOpSize, r.MaxOpSize)
	}

	if !word.Aligned(r.Addr, r.MaxOpSize) {
		return fmt.Errorf("%w: addr %s not aligned to %d", ErrAlignment, r.Addr, r.MaxOpSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.regs.Insert(addrmap.Entry{Base: r.Addr, Size: r.Size, Ref: r}); err != nil {
		return err
	}

	b.byID[r] = struct{}{}

	b.log.Debug("bus: attached region", log.String("addr", r.Addr.String()), log.String("size", r.Size.String()))

	return nil
}

// Remove detaches region, invoking its type's Remove hook if present.
func (b *Bus) Remove(r *Region) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[r]; !ok {
		return
	}

	delete(b.byID, r)
	b.regs.Remove(r.Addr)

	if r.Type != nil && r.Type.Remove != nil {
		r.Type.Remove(r)
	}
}

// Regions returns the attached regions in address order. The slice must not be
// mutated.
func (b *Bus) Regions() []*Region {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Region, 0, len(b.regs.Entries()))
	for _, e := range b.regs.Entries() {
		out = append(out, e.Ref.(*Region))
	}

	return out
}

// ZoneAuto returns a free address of size starting at or above hint.
func (b *Bus) ZoneAuto(hint word.Addr, size word.Size) word.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.regs.ZoneAuto(hint, size)
}

// Load performs a guest load of width size at addr, writing the result's little-endian
// bytes into out (len(out) must be >= size).
func (b *Bus) Load(addr word.Addr, out []byte, size uint8) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if buf, ok := b.inRAM(addr, size); ok {
		copy(out[:size], buf)
		return nil
	}

	entry, ok := b.regs.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: load %s: unmapped", ErrAccessFault, addr)
	}

	r := entry.Ref.(*Region)

	offset := addr - r.Addr
	if !validWidth(r, offset, size) {
		return fmt.Errorf("%w: load %s: width %d", ErrAccessFault, addr, size)
	}

	if r.Read == nil {
		if r.Mapping != nil {
			copy(out[:size], r.Mapping[offset:uint64(offset)+uint64(size)])
			return nil
		}

		for i := range out[:size] {
			out[i] = 0
		}

		return nil
	}

	if !r.Read(r, out[:size], offset, size) {
		return fmt.Errorf("%w: load %s: refused", ErrAccessFault, addr)
	}

	return nil
}

// Store performs a guest store of width size at addr from the little-endian bytes in
// in (len(in) must be >= size).
func (b *Bus) Store(addr word.Addr, in []byte, size uint8) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if buf, ok := b.inRAM(addr, size); ok {
		copy(buf, in[:size])
		return nil
	}

	entry, ok := b.regs.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: store %s: unmapped", ErrAccessFault, addr)
	}

	r := entry.Ref.(*Region)

	offset := addr - r.Addr
	if !validWidth(r, offset, size) {
		return fmt.Errorf("%w: store %s: width %d", ErrAccessFault, addr, size)
	}

	if r.Write == nil {
		if r.Mapping != nil {
			copy(r.Mapping[offset:uint64(offset)+uint64(size)], in[:size])
			r.dirty = true

			return nil
		}

		return nil
	}

	if !r.Write(r, in[:size], offset, size) {
		return fmt.Errorf("%w: store %s: refused", ErrAccessFault, addr)
	}

	if r.Mapping != nil {
		r.dirty = true
	}

	return nil
}

func validWidth(r *Region, offset word.Addr, size uint8) bool {
	if size < r.MinOpSize || size > r.MaxOpSize {
		return false
	}

	return word.Aligned(offset, size)
}

// DMAPointer returns a direct slice into RAM covering [addr, addr+size), or nil if any
// byte of that range lies outside RAM. It pins nothing: the caller must keep the
// owning machine alive for as long as the slice is used.
func (b *Bus) DMAPointer(addr word.Addr, size word.Size) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ram == nil || addr < b.ramBase {
		return nil
	}

	off := uint64(addr - b.ramBase)
	if off+uint64(size) > uint64(len(b.ram)) {
		return nil
	}

	return b.ram[off : off+uint64(size)]
}
