// Package machine assembles the pieces -- RAM, the MMIO bus, harts, the interrupt
// fabric, and the device tree -- into the container a decoder and its devices run
// inside. It is the one type an embedder constructs directly; everything else in the
// substrate is reached through it.
package machine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/intc"
	"github.com/rvvm-go/rvvm/internal/log"
	"github.com/rvvm-go/rvvm/internal/timer"
	"github.com/rvvm-go/rvvm/internal/word"
)

// Opt identifies one machine-wide tunable, mirroring the public option enum a real
// embedder API exposes. Read-only options (the MemBase/MemSize/HartCount family) are
// only valid with GetOpt.
type Opt int

const (
	OptResetPC Opt = iota
	OptDTBAddr
	OptTimeFreq
	OptHWImitate
	OptMaxCPUCent
	OptJIT
	OptJITCache
	OptJITHarvard
	OptMemBase
	OptMemSize
	OptHartCount
)

var errReadOnly = fmt.Errorf("machine: option is read-only")

// Option configures a Machine at construction time. Each option is applied twice, as
// with the rest of this codebase's constructors: once early (after RAM and harts exist,
// before the CLINT and the device tree are built) and once late (after everything is
// wired), so an option can either seed initial configuration or react to the
// fully-built machine.
type Option func(m *Machine, late bool)

// WithResetPC sets the program counter harts receive on Reset.
func WithResetPC(pc uint64) Option {
	return func(m *Machine, late bool) {
		if !late {
			m.resetPC = pc
		}
	}
}

// WithDTBAddr sets the guest physical address the generated device tree is written to
// on Reset.
func WithDTBAddr(addr uint64) Option {
	return func(m *Machine, late bool) {
		if !late {
			m.dtbAddr = word.Addr(addr)
		}
	}
}

// WithTimeFreq sets the shared mtime counter's tick frequency in Hz.
func WithTimeFreq(freq uint64) Option {
	return func(m *Machine, late bool) {
		if late {
			m.timer.SetFreq(freq)
		}
	}
}

// WithHWImitate toggles the "imitate real hardware" hint some device models consult to
// decide between a straightforward and a quirk-compatible behavior.
func WithHWImitate(v bool) Option {
	return func(m *Machine, late bool) {
		if !late {
			m.hwImitate = v
		}
	}
}

// WithMaxCPUCent caps per-hart host CPU usage as a percentage (0 disables the cap).
func WithMaxCPUCent(pct uint64) Option {
	return func(m *Machine, late bool) {
		if !late {
			m.maxCPUCent = pct
		}
	}
}

// WithJIT, WithJITCache, and WithJITHarvard are accepted for API parity with a JIT-
// capable decoder; the substrate itself treats them as opaque hints a Decoder
// implementation may read back via GetOpt.
func WithJIT(v bool) Option { return func(m *Machine, late bool) { m.jit = v } }

func WithJITCache(v bool) Option { return func(m *Machine, late bool) { m.jitCache = v } }

func WithJITHarvard(v bool) Option { return func(m *Machine, late bool) { m.jitHarvard = v } }

// WithLogger overrides the machine's logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Machine, late bool) {
		if !late {
			m.log = l
		}
	}
}

// snapshot holds the original bytes loaded into a RAM range, recopied on Reset.
type snapshot struct {
	addr word.Addr
	data []byte
}

// Machine is one virtual RISC-V system: its RAM, MMIO bus, harts, optional platform
// interrupt controller, and device tree, plus the lifecycle operations that move it
// between powered-off, running, and paused.
type Machine struct {
	mu sync.Mutex

	bus     *bus.Bus
	memBase word.Addr
	memSize word.Size
	ram     []byte

	harts []*hart.Hart
	clint *intc.Clint
	intcr intc.Controller

	timer *timer.Timer

	fdt          *fdt.Tree
	soc          *fdt.Node
	hartPhandles map[*hart.Hart]uint32
	cmdline      string
	loads        []snapshot

	resetPC    uint64
	dtbAddr    word.Addr
	hwImitate  bool
	maxCPUCent uint64
	jit        bool
	jitCache   bool
	jitHarvard bool

	running atomic.Bool
	powered atomic.Bool

	cancel context.CancelFunc

	log *log.Logger
}

// New creates a machine with memSize bytes of RAM at memBase and numHarts harts, each
// driven by the Decoder decoderFor returns for its id. Options run in two passes as
// documented on Option.
func New(memBase word.Addr, memSize word.Size, numHarts uint, freq uint64, decoderFor func(id uint) hart.Decoder, opts ...Option) (*Machine, error) {
	ram, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("machine: mmap ram: %w", err)
	}

	m := &Machine{
		bus:     bus.New(),
		memBase: memBase,
		memSize: memSize,
		ram:     ram,
		timer:   timer.New(freq),
		fdt:     fdt.New(),
		log:     log.DefaultLogger(),
	}

	m.bus.SetRAM(memBase, ram)

	for i := uint(0); i < numHarts; i++ {
		m.harts = append(m.harts, hart.New(i, 64, decoderFor(i)))
	}

	for _, o := range opts {
		o(m, false)
	}

	clint, err := intc.NewClint(m.bus, intc.ClintDefaultAddr, m.harts, m.timer)
	if err != nil {
		unix.Munmap(ram)
		return nil, fmt.Errorf("machine: clint: %w", err)
	}

	m.clint = clint

	m.buildFDT()

	for _, o := range opts {
		o(m, true)
	}

	return m, nil
}

// Bus returns the machine's MMIO bus, for device models that attach their own regions.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Harts returns the machine's harts in id order. The slice must not be mutated.
func (m *Machine) Harts() []*hart.Hart { return m.harts }

// Timer returns the machine's shared mtime counter.
func (m *Machine) Timer() *timer.Timer { return m.timer }

// SetController wires the platform interrupt controller (a *intc.Plic or *intc.Aplic)
// that external-interrupt-capable devices target.
func (m *Machine) SetController(c intc.Controller) { m.intcr = c }

// Controller returns the wired platform interrupt controller, or nil.
func (m *Machine) Controller() intc.Controller { return m.intcr }

// FDTTree returns the machine's device tree, for a device attached after New to build
// and register its own node against.
func (m *Machine) FDTTree() *fdt.Tree { return m.fdt }

// HartPhandles returns each hart's local interrupt-controller phandle, keyed by the
// *hart.Hart itself, for a device's FDTNode builder to wire into interrupts-extended.
func (m *Machine) HartPhandles() map[*hart.Hart]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[*hart.Hart]uint32, len(m.hartPhandles))
	for h, ph := range m.hartPhandles {
		out[h] = ph
	}

	return out
}

// AttachFDTNode appends n as a child of the generated tree's /soc node. Devices
// attached after New (a platform interrupt controller, syscon, or any other MMIO
// device) call this with the node their own FDTNode builder returns.
func (m *Machine) AttachFDTNode(n *fdt.Node) {
	if n == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.soc.AddChild(n)
}

// AttachFDTRootNode appends n as a child of the tree root, for nodes that describe a
// platform concept rather than an MMIO device (e.g. syscon's poweroff/reboot nodes).
func (m *Machine) AttachFDTRootNode(n *fdt.Node) {
	if n == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fdt.Root.AddChild(n)
}

func (m *Machine) buildFDT() {
	m.hartPhandles = make(map[*hart.Hart]uint32, len(m.harts))

	root := m.fdt.Root
	root.PropU32("#address-cells", 2)
	root.PropU32("#size-cells", 2)
	root.PropString("compatible", "riscv-virtio")
	root.PropString("model", "rvvm-go,virt")

	mem := root.AddChild(fdt.NewNode(fmt.Sprintf("memory@%x", uint64(m.memBase))))
	mem.PropString("device_type", "memory")
	mem.PropReg(2, 2, [2]uint64{uint64(m.memBase), uint64(m.memSize)})

	chosen := root.AddChild(fdt.NewNode("chosen"))
	chosen.PropString("bootargs", m.cmdline)

	cpus := root.AddChild(fdt.NewNode("cpus"))
	cpus.PropU32("#address-cells", 1)
	cpus.PropU32("#size-cells", 0)
	cpus.PropU32("timebase-frequency", uint32(m.timer.Freq()))

	for _, h := range m.harts {
		cpu := cpus.AddChild(fdt.NewNode(fmt.Sprintf("cpu@%x", h.ID)))
		cpu.PropString("device_type", "cpu")
		cpu.PropU32("reg", uint32(h.ID))
		cpu.PropString("compatible", "riscv")
		cpu.PropString("mmu-type", "riscv,sv39")
		cpu.PropString("status", "okay")

		intctl := cpu.AddChild(fdt.NewNode("interrupt-controller"))
		intctl.PropU32("#interrupt-cells", 1)
		intctl.PropEmpty("interrupt-controller")
		intctl.PropString("compatible", "riscv,cpu-intc")
		m.hartPhandles[h] = intctl.Phandle(m.fdt)
	}

	m.soc = root.AddChild(fdt.NewNode("soc"))
	m.soc.PropU32("#address-cells", 2)
	m.soc.PropU32("#size-cells", 2)
	m.soc.PropStrings("compatible", "simple-bus")
	m.soc.PropEmpty("ranges")

	m.clint.AppendFDTNode(m.soc, m.hartPhandles)
}

// DumpDTB refreshes /chosen's bootargs from the current command line and serializes the
// device tree. No other node or property is rebuilt from the current options.
func (m *Machine) DumpDTB() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fdt.Root.Find("chosen").PropString("bootargs", m.cmdline)

	return m.fdt.Serialize()
}

// SetCmdline replaces the kernel command line recorded in the device tree's /chosen
// node.
func (m *Machine) SetCmdline(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cmdline = s
}

// AppendCmdline appends to the kernel command line, separated by a space.
func (m *Machine) AppendCmdline(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmdline == "" {
		m.cmdline = s
	} else {
		m.cmdline += " " + s
	}
}

// LoadBootrom copies data into RAM at addr and records it for Reset to recopy.
func (m *Machine) LoadBootrom(addr word.Addr, data []byte) error {
	return m.load(addr, data)
}

// LoadKernel copies data into RAM at addr and records it for Reset to recopy.
func (m *Machine) LoadKernel(addr word.Addr, data []byte) error {
	return m.load(addr, data)
}

// LoadDTB writes a pre-built device tree blob into RAM at addr. Reset recopies it like
// any other load. It does not replace the generated tree: Reset still writes the
// generated blob at the DTB address after the recopy and passes that address in a1.
func (m *Machine) LoadDTB(addr word.Addr, blob []byte) error {
	return m.load(addr, blob)
}

func (m *Machine) load(addr word.Addr, data []byte) error {
	if err := m.WriteRAM(addr, data); err != nil {
		return err
	}

	cp := append([]byte(nil), data...)

	m.mu.Lock()
	m.loads = append(m.loads, snapshot{addr: addr, data: cp})
	m.mu.Unlock()

	return nil
}

// WriteRAM stores data into RAM starting at addr.
func (m *Machine) WriteRAM(addr word.Addr, data []byte) error {
	dst := m.bus.DMAPointer(addr, word.Size(len(data)))
	if dst == nil {
		return fmt.Errorf("%w: write ram %s len %d", bus.ErrAccessFault, addr, len(data))
	}

	copy(dst, data)

	return nil
}

// ReadRAM reads len(out) bytes from RAM starting at addr into out.
func (m *Machine) ReadRAM(addr word.Addr, out []byte) error {
	src := m.bus.DMAPointer(addr, word.Size(len(out)))
	if src == nil {
		return fmt.Errorf("%w: read ram %s len %d", bus.ErrAccessFault, addr, len(out))
	}

	copy(out, src)

	return nil
}

// GetDMAPtr returns a direct slice into RAM, or nil if the range falls outside it.
func (m *Machine) GetDMAPtr(addr word.Addr, size word.Size) []byte {
	return m.bus.DMAPointer(addr, size)
}

// AttachMMIO attaches a device region to the machine's bus.
func (m *Machine) AttachMMIO(r *bus.Region) error { return m.bus.Attach(r) }

// RemoveMMIO detaches a device region.
func (m *Machine) RemoveMMIO(r *bus.Region) { m.bus.Remove(r) }

// MmioZoneAuto returns a free address of size at or above hint.
func (m *Machine) MmioZoneAuto(hint word.Addr, size word.Size) word.Addr {
	return m.bus.ZoneAuto(hint, size)
}

// GetOpt reads a machine-wide tunable.
func (m *Machine) GetOpt(o Opt) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch o {
	case OptResetPC:
		return m.resetPC, true
	case OptDTBAddr:
		return uint64(m.dtbAddr), true
	case OptTimeFreq:
		return m.timer.Freq(), true
	case OptHWImitate:
		return boolToU64(m.hwImitate), true
	case OptMaxCPUCent:
		return m.maxCPUCent, true
	case OptJIT:
		return boolToU64(m.jit), true
	case OptJITCache:
		return boolToU64(m.jitCache), true
	case OptJITHarvard:
		return boolToU64(m.jitHarvard), true
	case OptMemBase:
		return uint64(m.memBase), true
	case OptMemSize:
		return uint64(m.memSize), true
	case OptHartCount:
		return uint64(len(m.harts)), true
	default:
		return 0, false
	}
}

// SetOpt writes a machine-wide tunable. It fails for the read-only Mem*/HartCount
// family.
func (m *Machine) SetOpt(o Opt, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch o {
	case OptResetPC:
		m.resetPC = v
	case OptDTBAddr:
		m.dtbAddr = word.Addr(v)
	case OptTimeFreq:
		m.timer.SetFreq(v)
	case OptHWImitate:
		m.hwImitate = v != 0
	case OptMaxCPUCent:
		m.maxCPUCent = v
	case OptJIT:
		m.jit = v != 0
	case OptJITCache:
		m.jitCache = v != 0
	case OptJITHarvard:
		m.jitHarvard = v != 0
	case OptMemBase, OptMemSize, OptHartCount:
		return errReadOnly
	default:
		return fmt.Errorf("machine: unknown option %d", o)
	}

	return nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

// Start powers the machine on (if not already) and resumes every hart, registering it
// with the process-wide event loop.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.powered.Swap(true) {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel

		for _, h := range m.harts {
			h.Start()

			go func(h *hart.Hart) {
				_ = h.Run(ctx)
			}(h)
		}
	} else {
		for _, h := range m.harts {
			h.Start()
		}
	}

	m.running.Store(true)
	globalLoop.register(m)
}

// Pause stops every hart at its next instruction boundary without powering the machine
// off.
func (m *Machine) Pause() {
	for _, h := range m.harts {
		h.Pause()
	}

	m.running.Store(false)
}

// Running reports whether the machine's harts are currently scheduled to run.
func (m *Machine) Running() bool { return m.running.Load() }

// Powered reports whether the machine has been started at least once since creation or
// the last Free.
func (m *Machine) Powered() bool { return m.powered.Load() }

// Reset returns every region, hart, and the device tree to their initial state. If
// keepPowered is false the machine is left paused; otherwise every hart resumes
// immediately with PC at the reset vector.
func (m *Machine) Reset(keepPowered bool) error {
	m.Pause()

	for _, r := range m.bus.Regions() {
		if r.Type != nil && r.Type.Reset != nil {
			r.Type.Reset(r)
		}
	}

	m.mu.Lock()
	loads := append([]snapshot(nil), m.loads...)
	resetPC := m.resetPC
	dtbAddr := m.dtbAddr
	m.mu.Unlock()

	for _, s := range loads {
		if err := m.WriteRAM(s.addr, s.data); err != nil {
			return err
		}
	}

	blob, err := m.DumpDTB()
	if err != nil {
		return err
	}

	if dtbAddr == 0 {
		// Auto-placement: an 8-byte-aligned slot just below the top of RAM, sized to
		// the freshly generated blob.
		dtbAddr = word.Addr((uint64(m.memBase) + uint64(m.memSize) - uint64(len(blob))) &^ 7)

		m.mu.Lock()
		m.dtbAddr = dtbAddr
		m.mu.Unlock()
	}

	if err := m.WriteRAM(dtbAddr, blob); err != nil {
		return err
	}

	for _, h := range m.harts {
		h.Reset(resetPC, uint64(dtbAddr))
	}

	if keepPowered {
		m.Start()
	}

	return nil
}

// Free releases the machine's RAM and unregisters it from the event loop. The machine
// must not be used afterward.
func (m *Machine) Free() error {
	m.Pause()
	globalLoop.unregister(m)

	if m.cancel != nil {
		m.cancel()
	}

	m.powered.Store(false)

	if m.ram != nil {
		err := unix.Munmap(m.ram)
		m.ram = nil

		return err
	}

	return nil
}

// poll is called by the event loop roughly every tick: it re-checks CLINT timer
// compares and device Update hooks.
func (m *Machine) poll() {
	m.clint.Poll()

	for _, r := range m.bus.Regions() {
		if r.Type != nil && r.Type.Update != nil {
			r.Type.Update(r)
		}
	}
}

// eventLoop is the process-wide ticker driving every live machine's periodic work:
// timer-compare re-checks and polled device updates. Machines register on Start and
// unregister on Free.
type eventLoop struct {
	mu       sync.Mutex
	machines map[*Machine]struct{}
}

var globalLoop = &eventLoop{machines: make(map[*Machine]struct{})}

func (l *eventLoop) register(m *Machine) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.machines[m] = struct{}{}
}

func (l *eventLoop) unregister(m *Machine) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.machines, m)
}

func (l *eventLoop) snapshot() []*Machine {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Machine, 0, len(l.machines))
	for m := range l.machines {
		out = append(out, m)
	}

	return out
}

// RunEventloop ticks every registered, running machine every 10ms until none remain
// running or ctx is cancelled.
func RunEventloop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			machines := globalLoop.snapshot()

			any := false

			for _, m := range machines {
				if m.Running() {
					any = true
					m.poll()
				}
			}

			if !any && len(machines) > 0 {
				return
			}
		}
	}
}
