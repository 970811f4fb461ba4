// rvvm boots a minimal machine: one hart, a CLINT, a legacy PLIC, and a syscon, driven
// by a decoder stub that demonstrates the substrate's event model without a real
// instruction-set core attached.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/intc"
	"github.com/rvvm-go/rvvm/internal/machine"
	"github.com/rvvm-go/rvvm/internal/syscon"
)

// machineBox lets a decoder reach the machine it belongs to even though decoders are
// constructed before machine.New has a *Machine to hand them.
type machineBox struct {
	m *machine.Machine
}

// spinDecoder is a placeholder Decoder: real firmware execution belongs to a separate
// instruction-set core, out of scope here. It parks on a timer compare until mtimecmp
// fires, then asks the machine to pause.
type spinDecoder struct {
	box *machineBox
}

func (d *spinDecoder) StepUntilEvent(ctx context.Context, h *hart.Hart) error {
	h.Mtimecmp.Set(d.box.m.Timer().Get() + d.box.m.Timer().Freq()/2)
	h.ParkUntil(ctx, time.Now().Add(2*time.Second))

	if h.PendingCause(hart.MachineTimer) {
		fmt.Println("rvvm: timer interrupt observed, pausing")
		d.box.m.Pause()
	}

	return nil
}

func main() {
	box := &machineBox{}

	m, err := machine.New(0x80000000, 128<<20, 1, 10_000_000,
		func(id uint) hart.Decoder { return &spinDecoder{box: box} },
		machine.WithResetPC(0x80000000),
		machine.WithDTBAddr(0x87000000),
	)
	if err != nil {
		panic(err)
	}

	box.m = m

	plic, err := intc.NewPlic(m.Bus(), intc.PlicDefaultAddr, 32, []intc.PlicContext{
		{Hart: m.Harts()[0], Cause: hart.MachineExternal},
	})
	if err != nil {
		panic(err)
	}

	m.SetController(plic)
	m.AttachFDTNode(plic.FDTNode(m.FDTTree(), m.HartPhandles()))

	sc, err := syscon.New(m.Bus(), syscon.DefaultAddr, func() {
		fmt.Println("rvvm: poweroff")
		m.Pause()
	}, func() {
		fmt.Println("rvvm: reset")
		_ = m.Reset(true)
	})
	if err != nil {
		panic(err)
	}

	regmap, poweroff, reboot := sc.FDTNodes(m.FDTTree())
	m.AttachFDTNode(regmap)
	m.AttachFDTRootNode(poweroff)
	m.AttachFDTRootNode(reboot)

	blob, err := m.DumpDTB()
	if err != nil {
		panic(err)
	}

	fmt.Printf("rvvm: device tree is %d bytes\n", len(blob))

	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	machine.RunEventloop(ctx)
}
