package config

import (
	"fmt"
	"os"

	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/intc"
	"github.com/rvvm-go/rvvm/internal/machine"
	"github.com/rvvm-go/rvvm/internal/syscon"
	"github.com/rvvm-go/rvvm/internal/word"
)

// kernelOffset is the platform-standard offset a kernel image lands at, relative to
// mem_base, when a manifest doesn't say otherwise.
const kernelOffset = 0x200000

// Build assembles a Machine from a parsed Manifest: RAM, harts, an optional bootrom
// and kernel image, and the devices the manifest's Devices list describes. decoderFor
// supplies each hart's instruction-set implementation, exactly as passed to
// machine.New directly.
func Build(m *Manifest, decoderFor func(id uint) hart.Decoder) (*machine.Machine, error) {
	opts := []machine.Option{machine.WithResetPC(m.ResetPC)}
	if m.DTBAddr != 0 {
		opts = append(opts, machine.WithDTBAddr(m.DTBAddr))
	}

	mach, err := machine.New(word.Addr(m.MemBase), word.Size(m.MemSize), m.Harts, m.TimeFreq, decoderFor, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: build machine: %w", err)
	}

	if m.Cmdline != "" {
		mach.SetCmdline(m.Cmdline)
	}

	if m.Bootrom != "" {
		data, err := os.ReadFile(m.Bootrom)
		if err != nil {
			return nil, fmt.Errorf("config: read bootrom: %w", err)
		}

		if err := mach.LoadBootrom(word.Addr(m.MemBase), data); err != nil {
			return nil, fmt.Errorf("config: load bootrom: %w", err)
		}
	}

	if m.Kernel != "" {
		data, err := os.ReadFile(m.Kernel)
		if err != nil {
			return nil, fmt.Errorf("config: read kernel: %w", err)
		}

		if err := mach.LoadKernel(word.Addr(m.MemBase+kernelOffset), data); err != nil {
			return nil, fmt.Errorf("config: load kernel: %w", err)
		}
	}

	for _, d := range m.Devices {
		if err := attachDevice(mach, d); err != nil {
			return nil, fmt.Errorf("config: attach device %q: %w", d.Kind, err)
		}
	}

	return mach, nil
}

// attachDevice constructs and wires the one device d.Kind names, dispatching to the
// intc/syscon constructors the way cmd/rvvm's hand-assembled machine does, and
// registers the device's generated FDT node(s) on mach.
func attachDevice(mach *machine.Machine, d DeviceSpec) error {
	switch d.Kind {
	case "plic":
		numSources := uint32(optInt(d.Opts, "num_sources", 32))

		contexts := make([]intc.PlicContext, 0, len(mach.Harts()))
		for _, h := range mach.Harts() {
			contexts = append(contexts, intc.PlicContext{Hart: h, Cause: hart.MachineExternal})
		}

		plic, err := intc.NewPlic(mach.Bus(), word.Addr(d.Addr), numSources, contexts)
		if err != nil {
			return err
		}

		mach.SetController(plic)
		mach.AttachFDTNode(plic.FDTNode(mach.FDTTree(), mach.HartPhandles()))

	case "aplic":
		im := intc.NewImsic()

		imsicAddr := word.Addr(optInt(d.Opts, "imsic_addr", 0x28000000))
		for i, h := range mach.Harts() {
			addr := imsicAddr.Add(uint64(i) * uint64(intc.ImsicPageSize))
			if _, err := im.AttachHart(mach.Bus(), addr, h, hart.SupervisorExternal); err != nil {
				return err
			}
		}

		aplic, err := intc.NewAplic(mach.Bus(), word.Addr(d.Addr), im)
		if err != nil {
			return err
		}

		mach.SetController(aplic)
		mach.AttachFDTNode(im.FDTNode(mach.FDTTree(), mach.HartPhandles()))
		mach.AttachFDTNode(aplic.FDTNode(mach.FDTTree(), im.FDTPhandle()))

	case "syscon":
		sc, err := syscon.New(mach.Bus(), word.Addr(d.Addr), func() {
			mach.Pause()
		}, func() {
			_ = mach.Reset(true)
		})
		if err != nil {
			return err
		}

		regmap, poweroff, reboot := sc.FDTNodes(mach.FDTTree())
		mach.AttachFDTNode(regmap)
		mach.AttachFDTRootNode(poweroff)
		mach.AttachFDTRootNode(reboot)

	default:
		return fmt.Errorf("unknown device kind %q", d.Kind)
	}

	return nil
}

func optInt(opts map[string]any, key string, def int) int {
	v, ok := opts[key]
	if !ok {
		return def
	}

	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
