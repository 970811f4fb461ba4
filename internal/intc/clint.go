package intc

import (
	"fmt"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/timer"
	"github.com/rvvm-go/rvvm/internal/word"
)

// Sizes and default address of the (A)CLINT MMIO window. The MSWI and MTIMER regions
// occupy the bottom 0xC000 bytes of the reserved 0x10000 zone; the remainder is never
// mapped.
const (
	ClintDefaultAddr word.Addr = 0x02000000
	ClintZoneSize    word.Size = 0x10000

	mswiSize   word.Size = 0x4000
	mtimerSize word.Size = 0x8000

	mtimeOffset word.Addr = 0x7FF8
)

var aclintMswiType = &bus.DeviceType{Name: "aclint_mswi"}
var aclintMtimerType = &bus.DeviceType{Name: "aclint_mtimer"}

// Clint is the core-local interrupter: a per-hart software-interrupt bit plus a
// per-hart 64-bit mtimecmp, backed by a machine-wide mtime counter. It is not a
// Controller -- harts reach it directly by MMIO, not through send_irq.
type Clint struct {
	addr  word.Addr
	harts []*hart.Hart
	timer *timer.Timer

	mswi   bus.Region
	mtimer bus.Region

	log *log.Logger
}

// NewClint creates a CLINT driving harts off the shared timer and attaches its two
// MMIO regions to b at addr.
func NewClint(b *bus.Bus, addr word.Addr, harts []*hart.Hart, t *timer.Timer) (*Clint, error) {
	c := &Clint{addr: addr, harts: harts, timer: t, log: log.DefaultLogger()}

	c.mswi = bus.Region{
		Addr:      addr,
		Size:      mswiSize,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      c.readMswi,
		Write:     c.writeMswi,
		Type:      aclintMswiType,
	}

	c.mtimer = bus.Region{
		Addr:      addr.Add(uint64(mswiSize)),
		Size:      mtimerSize,
		MinOpSize: 8,
		MaxOpSize: 8,
		Read:      c.readMtimer,
		Write:     c.writeMtimer,
		Type:      aclintMtimerType,
	}

	if err := b.Attach(&c.mswi); err != nil {
		return nil, err
	}

	if err := b.Attach(&c.mtimer); err != nil {
		b.Remove(&c.mswi)
		return nil, err
	}

	return c, nil
}

func (c *Clint) hartAt(offset word.Addr, shift uint) (*hart.Hart, bool) {
	id := int(offset >> shift)
	if id < 0 || id >= len(c.harts) {
		return nil, false
	}

	return c.harts[id], true
}

func (c *Clint) readMswi(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	h, ok := c.hartAt(offset, 2)
	if !ok {
		return false
	}

	var v uint64
	if h.PendingCause(hart.MachineSoftware) {
		v = 1
	}

	word.Write(buf, v, size)

	return true
}

func (c *Clint) writeMswi(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	h, ok := c.hartAt(offset, 2)
	if !ok {
		return false
	}

	if word.Read(buf, size)&1 != 0 {
		h.Interrupt(hart.MachineSoftware)
	} else {
		h.InterruptClear(hart.MachineSoftware)
	}

	return true
}

func (c *Clint) readMtimer(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	if offset == mtimeOffset {
		word.Write(buf, c.timer.Get(), size)
		return true
	}

	h, ok := c.hartAt(offset, 3)
	if !ok {
		return false
	}

	word.Write(buf, h.Mtimecmp.Get(), size)

	return true
}

func (c *Clint) writeMtimer(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	if offset == mtimeOffset {
		c.timer.Rebase(word.Read(buf, size))
		return true
	}

	h, ok := c.hartAt(offset, 3)
	if !ok {
		return false
	}

	v := word.Read(buf, size)
	h.Mtimecmp.Set(v)

	if h.Mtimecmp.Pending(c.timer.Get()) {
		h.Interrupt(hart.MachineTimer)
	} else {
		h.InterruptClear(hart.MachineTimer)
	}

	return true
}

// Poll re-checks every hart's mtimecmp against the current mtime and raises/clears
// MachineTimer accordingly. The event loop calls this periodically so a compare that
// becomes due without a fresh MMIO write still traps.
func (c *Clint) Poll() {
	now := c.timer.Get()

	for _, h := range c.harts {
		if h.Mtimecmp.Pending(now) {
			h.Interrupt(hart.MachineTimer)
		} else {
			h.InterruptClear(hart.MachineTimer)
		}
	}
}

// AppendFDTNode builds the CLINT's device tree node -- its MMIO window, the standard
// sifive,clint0 compatible strings, and interrupts-extended wiring each hart's local
// interrupt-controller phandle (from hartPhandles) to the software and timer interrupt
// lines it drives -- and appends it under soc. CLINT has no phandle of its own: nothing
// ever targets it the way a Controller is targeted.
func (c *Clint) AppendFDTNode(soc *fdt.Node, hartPhandles map[*hart.Hart]uint32) {
	n := fdt.NewNode(fmt.Sprintf("clint@%x", uint64(c.addr)))
	n.PropReg(2, 2, [2]uint64{uint64(c.addr), uint64(ClintZoneSize)})
	n.PropStrings("compatible", "sifive,clint0", "riscv,clint0")

	cells := make([]uint32, 0, len(c.harts)*4)

	for _, h := range c.harts {
		ph, ok := hartPhandles[h]
		if !ok {
			continue
		}

		cells = append(cells, ph, uint32(hart.MachineSoftware), ph, uint32(hart.MachineTimer))
	}

	n.PropU32Array("interrupts-extended", cells...)

	soc.AddChild(n)
}
