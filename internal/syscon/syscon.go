// Package syscon implements the two-magic-value system controller device: a single
// 16-bit MMIO register that powers off or resets the machine when the guest writes one
// of two well-known values to it.
package syscon

import (
	"fmt"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/word"
)

// Magic values the guest writes to trigger power management. These match the SBI
// shutdown/reset convention most RISC-V firmware expects from a "syscon" reboot/poweroff
// pair.
const (
	Poweroff uint32 = 0x5555
	Reset    uint32 = 0x7777

	DefaultAddr word.Addr = 0x00100000
	RegionSize  word.Size = 0x1000
)

var deviceType = &bus.DeviceType{Name: "syscon"}

// Syscon is the machine's power-management MMIO device. OnPoweroff and OnReset are
// invoked synchronously from the guest's store -- callers that need to stop harts or
// tear down the machine must do so without blocking on anything the store itself holds.
type Syscon struct {
	OnPoweroff func()
	OnReset    func()

	value uint32

	region bus.Region
	log    *log.Logger
}

// New creates a syscon device and attaches it to b at addr.
func New(b *bus.Bus, addr word.Addr, onPoweroff, onReset func()) (*Syscon, error) {
	s := &Syscon{OnPoweroff: onPoweroff, OnReset: onReset, log: log.DefaultLogger()}

	s.region = bus.Region{
		Addr:      addr,
		Size:      RegionSize,
		MinOpSize: 2,
		MaxOpSize: 2,
		Read:      s.read,
		Write:     s.write,
		Type:      deviceType,
		Data:      s,
	}

	if err := b.Attach(&s.region); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Syscon) read(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	if offset != 0 {
		word.Write(buf, 0, size)
		return true
	}

	word.Write(buf, uint64(s.value), size)

	return true
}

func (s *Syscon) write(_ *bus.Region, buf []byte, offset word.Addr, size uint8) bool {
	if offset != 0 {
		return true
	}

	v := uint32(word.Read(buf, size))
	s.value = v

	switch v {
	case Poweroff:
		s.log.Info("syscon: poweroff requested")

		if s.OnPoweroff != nil {
			s.OnPoweroff()
		}
	case Reset:
		s.log.Info("syscon: reset requested")

		if s.OnReset != nil {
			s.OnReset()
		}
	}

	return true
}

// FDTNodes builds the syscon's regmap node (for the caller to attach under /soc) and
// the poweroff/reboot nodes (for the caller to attach at the tree root), each
// referencing the regmap node's phandle the way a real syscon-poweroff/syscon-reboot
// binding does.
func (s *Syscon) FDTNodes(tree *fdt.Tree) (regmap, poweroff, reboot *fdt.Node) {
	regmap = fdt.NewNode(fmt.Sprintf("syscon@%x", uint64(s.region.Addr)))
	regmap.PropReg(2, 2, [2]uint64{uint64(s.region.Addr), uint64(RegionSize)})
	regmap.PropStrings("compatible", "sifive,test1", "sifive,test0", "syscon")
	ph := regmap.Phandle(tree)

	poweroff = fdt.NewNode("poweroff")
	poweroff.PropString("compatible", "syscon-poweroff")
	poweroff.PropU32("value", Poweroff)
	poweroff.PropU32("offset", 0)
	poweroff.PropU32("regmap", ph)

	reboot = fdt.NewNode("reboot")
	reboot.PropString("compatible", "syscon-reboot")
	reboot.PropU32("value", Reset)
	reboot.PropU32("offset", 0)
	reboot.PropU32("regmap", ph)

	return regmap, poweroff, reboot
}
