package intc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/word"
)

// IMSIC page geometry: one 4KiB page per hart per privilege level. A write to
// SETEIPNUM_LE (offset 0x0) or SETEIPNUM_BE (offset 0x4) latches an MSI identity as
// pending; the two words at 0x8 and 0xC hold the low and high halves of the 64-bit
// identity-enable bitmap. Every other offset reads as zero and ignores writes.
const (
	ImsicPageSize    word.Size = 0x1000
	imsicSetEIPNumLE word.Addr = 0x000
	imsicSetEIPNumBE word.Addr = 0x004

	// ImsicMaxIdentity bounds the per-hart pending-identity bitmap; identity 0 is
	// reserved (means "no interrupt") per the AIA spec.
	ImsicMaxIdentity = 63
)

var imsicPageType = &bus.DeviceType{Name: "riscv,imsic"}

// ImsicFile is one hart's interrupt file for a single privilege level: a page of MMIO
// and a 64-bit pending-identity bitmap.
type ImsicFile struct {
	mu      sync.Mutex
	hart    *hart.Hart
	cause   hart.Cause
	pending uint64
	enabled uint64

	region bus.Region
}

// Imsic is the per-hart incoming-MSI-interrupt file array the AIA attaches one of per
// privilege level; APLIC's SendIRQ forwards here for MSI-mode delivery.
type Imsic struct {
	mu      sync.Mutex
	files   map[uint]*ImsicFile
	phandle uint32
	log     *log.Logger
}

// NewImsic creates an empty IMSIC; use AttachHart to add one file per (hart,
// privilege).
func NewImsic() *Imsic {
	return &Imsic{files: make(map[uint]*ImsicFile), log: log.DefaultLogger()}
}

// AttachHart maps h's interrupt file for cause (SupervisorExternal or MachineExternal)
// at addr on b.
func (m *Imsic) AttachHart(b *bus.Bus, addr word.Addr, h *hart.Hart, cause hart.Cause) (*ImsicFile, error) {
	f := &ImsicFile{hart: h, cause: cause}

	f.region = bus.Region{
		Addr:      addr,
		Size:      ImsicPageSize,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      f.read,
		Write:     f.write,
		Type:      imsicPageType,
		Data:      f,
	}

	if err := b.Attach(&f.region); err != nil {
		return nil, err
	}

	m.files[h.ID] = f

	return f, nil
}

// Deliver latches identity as pending in the file belonging to hartID and raises the
// hart's external-interrupt cause if any enabled identity in that file is pending.
func (m *Imsic) Deliver(hartID uint, identity uint32) bool {
	f, ok := m.files[hartID]
	if !ok || identity == 0 || identity > ImsicMaxIdentity {
		return false
	}

	f.mu.Lock()
	f.pending |= 1 << identity
	raise := f.enabled&f.pending != 0
	f.mu.Unlock()

	if raise {
		f.hart.Interrupt(f.cause)
	}

	return true
}

func (f *ImsicFile) read(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch offset {
	case 0x008: // enable bitmap, low word
		word.Write(buf, f.enabled&0xFFFFFFFF, size)
	case 0x00C: // enable bitmap, high word
		word.Write(buf, f.enabled>>32, size)
	default:
		word.Write(buf, 0, size)
	}

	return true
}

func (f *ImsicFile) write(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	v := word.Read(buf, size)

	switch offset {
	case imsicSetEIPNumLE, imsicSetEIPNumBE:
		id := uint32(v)
		if offset == imsicSetEIPNumBE {
			id = id>>24 | id>>8&0xFF00 | id<<8&0xFF0000 | id<<24
		}

		if id == 0 || id > ImsicMaxIdentity {
			return true
		}

		f.mu.Lock()
		f.pending |= 1 << id
		raise := f.enabled&f.pending != 0
		f.mu.Unlock()

		if raise {
			f.hart.Interrupt(f.cause)
		}

	case 0x008:
		f.mu.Lock()
		f.enabled = (f.enabled &^ 0xFFFFFFFF) | v
		f.mu.Unlock()

	case 0x00C:
		f.mu.Lock()
		f.enabled = (f.enabled &^ (0xFFFFFFFF << 32)) | (v << 32)
		f.mu.Unlock()
	}

	return true
}

// FDTPhandle returns the IMSIC's phandle, for an APLIC's msi-parent to reference. It is
// zero until FDTNode has built the IMSIC's device tree node.
func (m *Imsic) FDTPhandle() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phandle
}

// FDTNode builds the combined interrupt-file array's device tree node: one reg entry
// per attached hart file and an interrupts-extended pair (hart phandle, cause) per
// file. Returns nil if no hart has been attached yet. The caller attaches the returned
// node under /soc.
func (m *Imsic) FDTNode(tree *fdt.Tree, hartPhandles map[*hart.Hart]uint32) *fdt.Node {
	ids := make([]uint, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	first := m.files[ids[0]]
	n := fdt.NewNode(fmt.Sprintf("imsic@%x", uint64(first.region.Addr)))

	regs := make([][2]uint64, 0, len(ids))
	cells := make([]uint32, 0, len(ids)*2)

	for _, id := range ids {
		f := m.files[id]
		regs = append(regs, [2]uint64{uint64(f.region.Addr), uint64(f.region.Size)})

		if ph, ok := hartPhandles[f.hart]; ok {
			cells = append(cells, ph, uint32(f.cause))
		}
	}

	n.PropReg(2, 2, regs...)
	n.PropString("compatible", "riscv,imsics")
	n.PropEmpty("interrupt-controller")
	n.PropU32("#interrupt-cells", 0)
	n.PropEmpty("msi-controller")
	n.PropU32("#msi-cells", 0)
	n.PropU32("riscv,num-ids", ImsicMaxIdentity)
	n.PropU32Array("interrupts-extended", cells...)

	m.mu.Lock()
	m.phandle = n.Phandle(tree)
	m.mu.Unlock()

	return n
}
