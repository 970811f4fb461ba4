package intc

import (
	"fmt"
	"sync"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/word"
)

// APLIC register layout (MSI delivery mode only -- this build never wires a direct-mode
// APLIC, since every AIA machine in scope pairs it with an IMSIC). Source 0 is
// reserved; sources are numbered 1..AplicSrcLimit-1.
const (
	AplicDefaultAddr word.Addr = 0x0C400000

	// AplicSrcLimit bounds the source/target arrays, matching the IMSIC identity
	// space they forward into.
	AplicSrcLimit = 64

	aplicDomaincfg   = 0x0000
	aplicSourcecfg   = 0x0004 // + (src-1)*4
	aplicSetipnum    = 0x1CDC
	aplicInClrip     = 0x1D00 // + word*4
	aplicSetie       = 0x1E00 // + word*4
	aplicTarget      = 0x3004 // + (src-1)*4
	aplicDomaincfgIE = 1 << 8
)

var aplicType = &bus.DeviceType{Name: "riscv,aplic"}

// Aplic is the platform-level half of the AIA interrupt-controller pair: it holds
// per-source configuration and, for each pending+enabled source, forwards an MSI to
// the IMSIC file addressed by that source's target register.
type Aplic struct {
	mu sync.Mutex

	domaincfg uint32
	sourcecfg [AplicSrcLimit]uint32
	target    [AplicSrcLimit]uint32
	pending   [AplicSrcLimit]bool
	enabled   [AplicSrcLimit]bool
	phandle   uint32

	imsic *Imsic

	region bus.Region

	log *log.Logger
}

// NewAplic creates an APLIC that forwards MSI delivery to imsic, and attaches its MMIO
// window to b at addr.
func NewAplic(b *bus.Bus, addr word.Addr, imsic *Imsic) (*Aplic, error) {
	a := &Aplic{imsic: imsic, domaincfg: aplicDomaincfgIE, log: log.DefaultLogger()}

	a.region = bus.Region{
		Addr:      addr,
		Size:      0x4000,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      a.read,
		Write:     a.write,
		Type:      aplicType,
		Data:      a,
	}

	if err := b.Attach(&a.region); err != nil {
		return nil, err
	}

	return a, nil
}

// AllocIRQ returns the next source with sourcecfg still at its reset (inactive) value.
func (a *Aplic) AllocIRQ() IRQ {
	a.mu.Lock()
	defer a.mu.Unlock()

	for src := uint32(1); src < AplicSrcLimit; src++ {
		if a.sourcecfg[src] == 0 {
			a.sourcecfg[src] = 1 // detached, i.e. reserved but inert until configured
			return IRQ(src)
		}
	}

	return IRQ(0)
}

// SendIRQ pulses irq: an edge-triggered assertion that forwards immediately and leaves
// no lasting pending state once delivered.
func (a *Aplic) SendIRQ(irq IRQ) bool {
	return a.assert(irq)
}

// RaiseIRQ asserts irq (level-triggered sources stay pending until LowerIRQ).
func (a *Aplic) RaiseIRQ(irq IRQ) bool {
	a.mu.Lock()
	a.pending[irq] = true
	a.mu.Unlock()

	return a.assert(irq)
}

// LowerIRQ deasserts irq.
func (a *Aplic) LowerIRQ(irq IRQ) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if irq == 0 || uint32(irq) >= AplicSrcLimit {
		return false
	}

	a.pending[irq] = false

	return true
}

func (a *Aplic) assert(irq IRQ) bool {
	a.mu.Lock()
	src := uint32(irq)

	if src == 0 || src >= AplicSrcLimit || a.domaincfg&aplicDomaincfgIE == 0 {
		a.mu.Unlock()
		return false
	}

	if !a.enabled[src] {
		a.mu.Unlock()
		return false
	}

	target := a.target[src]
	a.mu.Unlock()

	hartID := uint(target >> 18)
	identity := target & 0x3FF

	return a.imsic.Deliver(hartID, identity)
}

// FDTPhandle returns the controller's phandle. It is zero until FDTNode has built the
// controller's device tree node.
func (a *Aplic) FDTPhandle() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.phandle
}

// FDTIRQCells encodes irq as the two-cell APLIC interrupt specifier (source, flags).
func (a *Aplic) FDTIRQCells(irq IRQ) []uint32 {
	return []uint32{uint32(irq), 1} // 1: rising-edge triggered, matching SendIRQ semantics
}

// FDTNode builds the APLIC's device tree node: its MMIO window, the riscv,aplic
// compatible string, and msi-parent pointing at imsicPhandle (the IMSIC file array
// this APLIC forwards MSIs into). The caller attaches the returned node under /soc.
func (a *Aplic) FDTNode(tree *fdt.Tree, imsicPhandle uint32) *fdt.Node {
	a.mu.Lock()
	addr := a.region.Addr
	size := a.region.Size
	a.mu.Unlock()

	n := fdt.NewNode(fmt.Sprintf("aplic@%x", uint64(addr)))
	n.PropReg(2, 2, [2]uint64{uint64(addr), uint64(size)})
	n.PropString("compatible", "riscv,aplic")
	n.PropU32("msi-parent", imsicPhandle)
	n.PropEmpty("interrupt-controller")
	n.PropU32("#interrupt-cells", 2)
	n.PropU32("#address-cells", 0)
	n.PropU32("riscv,num-sources", AplicSrcLimit-1)

	a.mu.Lock()
	a.phandle = n.Phandle(tree)
	a.mu.Unlock()

	return n
}

func (a *Aplic) read(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case offset == aplicDomaincfg:
		word.Write(buf, uint64(a.domaincfg), size)

	case offset >= aplicSourcecfg && offset < aplicSourcecfg+(AplicSrcLimit-1)*4:
		src := 1 + uint32(offset-aplicSourcecfg)/4
		word.Write(buf, uint64(a.sourcecfg[src]), size)

	case offset >= aplicInClrip && offset < aplicInClrip+8:
		wi := uint32(offset-aplicInClrip) / 4
		var v uint32

		for b := uint32(0); b < 32; b++ {
			src := wi*32 + b
			if src < AplicSrcLimit && a.pending[src] {
				v |= 1 << b
			}
		}

		word.Write(buf, uint64(v), size)

	case offset >= aplicTarget && offset < aplicTarget+(AplicSrcLimit-1)*4:
		src := 1 + uint32(offset-aplicTarget)/4
		word.Write(buf, uint64(a.target[src]), size)

	case offset >= aplicSetie && offset < aplicSetie+8:
		wi := uint32(offset-aplicSetie) / 4
		var v uint32

		for b := uint32(0); b < 32; b++ {
			src := wi*32 + b
			if src < AplicSrcLimit && a.enabled[src] {
				v |= 1 << b
			}
		}

		word.Write(buf, uint64(v), size)

	default:
		word.Write(buf, 0, size)
	}

	return true
}

func (a *Aplic) write(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	v := uint32(word.Read(buf, size))

	a.mu.Lock()

	switch {
	case offset == aplicDomaincfg:
		a.domaincfg = v & aplicDomaincfgIE

	case offset >= aplicSourcecfg && offset < aplicSourcecfg+(AplicSrcLimit-1)*4:
		src := 1 + uint32(offset-aplicSourcecfg)/4
		a.sourcecfg[src] = v

	case offset == aplicSetipnum:
		if v > 0 && v < AplicSrcLimit {
			a.pending[v] = true
		}

	case offset >= aplicInClrip && offset < aplicInClrip+8:
		wi := uint32(offset-aplicInClrip) / 4
		for b := uint32(0); b < 32; b++ {
			if v&(1<<b) != 0 {
				src := wi*32 + b
				if src < AplicSrcLimit {
					a.pending[src] = false
				}
			}
		}

	case offset >= aplicTarget && offset < aplicTarget+(AplicSrcLimit-1)*4:
		src := 1 + uint32(offset-aplicTarget)/4
		a.target[src] = v

	case offset >= aplicSetie && offset < aplicSetie+8:
		wi := uint32(offset-aplicSetie) / 4
		for b := uint32(0); b < 32; b++ {
			if v&(1<<b) != 0 {
				src := wi*32 + b
				if src < AplicSrcLimit {
					a.enabled[src] = true
				}
			}
		}
	}

	a.mu.Unlock()

	if offset == aplicSetipnum && v > 0 && v < AplicSrcLimit {
		a.assert(IRQ(v))
	}

	return true
}
