package intc

import (
	"fmt"
	"sync"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/word"
)

// PLIC register layout, shared by every legacy-PLIC implementation since the device's
// wire format was never revised upstream: priority and pending words in the bottom 4K
// pages, one enable bitmap per context at a 0x80-byte stride starting at 0x2000, and a
// threshold/claim pair per context at a 4K stride starting at 0x200000.
const (
	PlicDefaultAddr word.Addr = 0x0C000000

	plicPriorityBase = 0x0
	plicPendingBase  = 0x1000
	plicEnableBase   = 0x2000
	plicEnableStride = 0x80
	plicCtxBase      = 0x200000
	plicCtxStride    = 0x1000
)

// PlicContext binds one claim/complete context to the hart and privilege level it
// signals.
type PlicContext struct {
	Hart  *hart.Hart
	Cause hart.Cause
}

var plicType = &bus.DeviceType{Name: "riscv,plic0"}

// Plic is the legacy platform-level interrupt controller: up to numSources
// level-triggered lines, each with a priority, routed to one or more contexts gated by
// a per-context enable bitmap and priority threshold.
type Plic struct {
	mu sync.Mutex

	numSources uint32
	priority   []uint32 // index 0 unused, sources are 1..numSources
	pending    []bool
	claimed    []bool // asserted between claim and complete

	contexts []PlicContext
	enable   [][]uint32 // per-context bitmap, ceil(numSources/32) words
	threshold []uint32

	phandle uint32

	region bus.Region

	log *log.Logger
}

// NewPlic creates a PLIC with numSources interrupt lines and the given claim contexts,
// and attaches it to b at addr.
func NewPlic(b *bus.Bus, addr word.Addr, numSources uint32, contexts []PlicContext) (*Plic, error) {
	words := (numSources + 31) / 32
	if words == 0 {
		words = 1
	}

	p := &Plic{
		numSources: numSources,
		priority:   make([]uint32, numSources+1),
		pending:    make([]bool, numSources+1),
		claimed:    make([]bool, numSources+1),
		contexts:   contexts,
		enable:     make([][]uint32, len(contexts)),
		threshold:  make([]uint32, len(contexts)),
		log:        log.DefaultLogger(),
	}

	for i := range p.enable {
		p.enable[i] = make([]uint32, words)
	}

	size := word.Size(plicCtxBase + uint64(len(contexts))*plicCtxStride)

	p.region = bus.Region{
		Addr:      addr,
		Size:      size,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      p.read,
		Write:     p.write,
		Type:      plicType,
		Data:      p,
	}

	if err := b.Attach(&p.region); err != nil {
		return nil, err
	}

	return p, nil
}

// AllocIRQ returns the next unused source id, numbered from 1 (0 means "no interrupt").
func (p *Plic) AllocIRQ() IRQ {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := uint32(1); id <= p.numSources; id++ {
		if p.priority[id] == 0 && !p.pending[id] {
			p.priority[id] = 1
			return IRQ(id)
		}
	}

	return IRQ(0)
}

// SendIRQ pulses irq: it is latched pending and immediately eligible for claim, with no
// lasting assertion once claimed.
func (p *Plic) SendIRQ(irq IRQ) bool {
	return p.RaiseIRQ(irq)
}

// RaiseIRQ asserts irq's pending bit.
func (p *Plic) RaiseIRQ(irq IRQ) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if irq == 0 || uint32(irq) > p.numSources {
		return false
	}

	p.pending[irq] = true
	p.notifyLocked()

	return true
}

// LowerIRQ deasserts irq's pending bit.
func (p *Plic) LowerIRQ(irq IRQ) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if irq == 0 || uint32(irq) > p.numSources {
		return false
	}

	p.pending[irq] = false

	return true
}

// FDTPhandle returns the controller's phandle. It is zero until FDTNode has built the
// controller's device tree node.
func (p *Plic) FDTPhandle() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.phandle
}

// FDTIRQCells encodes irq as the single-cell PLIC interrupt specifier.
func (p *Plic) FDTIRQCells(irq IRQ) []uint32 {
	return []uint32{uint32(irq)}
}

// FDTNode builds the PLIC's device tree node: its MMIO window, the
// sifive,plic-1.0.0 and riscv,plic0 compatible strings, and interrupts-extended listing each context's hart
// (by the local interrupt-controller phandle hartPhandles supplies) paired with the
// cause it signals. The caller attaches the returned node under /soc.
func (p *Plic) FDTNode(tree *fdt.Tree, hartPhandles map[*hart.Hart]uint32) *fdt.Node {
	p.mu.Lock()
	addr := p.region.Addr
	size := p.region.Size
	numSources := p.numSources
	contexts := append([]PlicContext(nil), p.contexts...)
	p.mu.Unlock()

	n := fdt.NewNode(fmt.Sprintf("plic@%x", uint64(addr)))
	n.PropReg(2, 2, [2]uint64{uint64(addr), uint64(size)})
	n.PropStrings("compatible", "sifive,plic-1.0.0", "riscv,plic0")
	n.PropEmpty("interrupt-controller")
	n.PropU32("#interrupt-cells", 1)
	n.PropU32("riscv,ndev", numSources)

	cells := make([]uint32, 0, len(contexts)*2)

	for _, ctx := range contexts {
		if ph, ok := hartPhandles[ctx.Hart]; ok {
			cells = append(cells, ph, uint32(ctx.Cause))
		}
	}

	n.PropU32Array("interrupts-extended", cells...)

	p.mu.Lock()
	p.phandle = n.Phandle(tree)
	p.mu.Unlock()

	return n
}

func (p *Plic) enabled(ctx int, src uint32) bool {
	w, b := src/32, src%32
	return p.enable[ctx][w]&(1<<b) != 0
}

// notifyLocked recomputes, for every context, whether any enabled pending source clears
// the context's threshold, and raises/lowers the context's external-interrupt cause
// accordingly. Called with p.mu held.
func (p *Plic) notifyLocked() {
	for ci, ctx := range p.contexts {
		claimable := false

		for src := uint32(1); src <= p.numSources; src++ {
			if p.pending[src] && !p.claimed[src] && p.enabled(ci, src) && p.priority[src] > p.threshold[ci] {
				claimable = true
				break
			}
		}

		if claimable {
			ctx.Hart.Interrupt(ctx.Cause)
		} else {
			ctx.Hart.InterruptClear(ctx.Cause)
		}
	}
}

func (p *Plic) claim(ci int) uint32 {
	best := uint32(0)
	bestPrio := uint32(0)

	for src := uint32(1); src <= p.numSources; src++ {
		if p.pending[src] && !p.claimed[src] && p.enabled(ci, src) && p.priority[src] > p.threshold[ci] {
			if p.priority[src] > bestPrio {
				bestPrio = p.priority[src]
				best = src
			}
		}
	}

	if best != 0 {
		p.claimed[best] = true
		p.pending[best] = false
	}

	return best
}

func (p *Plic) complete(ci int, src uint32) {
	if src == 0 || src > p.numSources {
		return
	}

	p.claimed[src] = false
}

func (p *Plic) read(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		src := uint32(offset-plicPriorityBase) / 4
		if src == 0 || src > p.numSources {
			word.Write(buf, 0, size)
			return true
		}

		word.Write(buf, uint64(p.priority[src]), size)

		return true

	case offset < plicEnableBase:
		idx := uint32(offset-plicPendingBase) / 4
		var v uint32

		for b := uint32(0); b < 32; b++ {
			src := idx*32 + b
			if src >= 1 && src <= p.numSources && p.pending[src] {
				v |= 1 << b
			}
		}

		word.Write(buf, uint64(v), size)

		return true

	case offset < plicCtxBase:
		rel := uint64(offset - plicEnableBase)
		ci := int(rel / plicEnableStride)
		wi := int(rel%plicEnableStride) / 4

		if ci >= len(p.contexts) || wi >= len(p.enable[ci]) {
			word.Write(buf, 0, size)
			return true
		}

		word.Write(buf, uint64(p.enable[ci][wi]), size)

		return true

	default:
		rel := uint64(offset - plicCtxBase)
		ci := int(rel / plicCtxStride)
		reg := rel % plicCtxStride

		if ci >= len(p.contexts) {
			return false
		}

		switch reg {
		case 0:
			word.Write(buf, uint64(p.threshold[ci]), size)
		case 4:
			word.Write(buf, uint64(p.claim(ci)), size)
			p.notifyLocked()
		default:
			word.Write(buf, 0, size)
		}

		return true
	}
}

func (p *Plic) write(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := uint32(word.Read(buf, size))

	switch {
	case offset < plicPendingBase:
		src := uint32(offset-plicPriorityBase) / 4
		if src >= 1 && src <= p.numSources {
			p.priority[src] = v
		}

	case offset < plicEnableBase:
		// pending is read-only; ignore writes.

	case offset < plicCtxBase:
		rel := uint64(offset - plicEnableBase)
		ci := int(rel / plicEnableStride)
		wi := int(rel%plicEnableStride) / 4

		if ci < len(p.contexts) && wi < len(p.enable[ci]) {
			p.enable[ci][wi] = v
		}

	default:
		rel := uint64(offset - plicCtxBase)
		ci := int(rel / plicCtxStride)
		reg := rel % plicCtxStride

		if ci >= len(p.contexts) {
			return false
		}

		switch reg {
		case 0:
			p.threshold[ci] = v
		case 4:
			p.complete(ci, v)
		}
	}

	p.notifyLocked()

	return true
}
