// Package hart implements the execution context the machine substrate exposes to an
// external instruction decoder: register/CSR storage, the pending-interrupt word, the
// per-hart timer compare, the run-state machine, and the WFI parking primitive. The
// decoder itself -- fetch/decode/execute -- is not part of this package; Decoder is the
// only contract the core requires of it.
package hart

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvvm-go/rvvm/internal/log"
)

// Cause identifies a pending interrupt source, numbered per the RISC-V privileged
// spec's standard interrupt causes (the low bits of mcause/scause with the interrupt
// bit stripped).
type Cause uint

// Standard interrupt causes the core sets/clears on a hart's pending word.
const (
	SupervisorSoftware Cause = 1
	MachineSoftware    Cause = 3
	SupervisorTimer    Cause = 5
	MachineTimer       Cause = 7
	SupervisorExternal Cause = 9
	MachineExternal    Cause = 11
)

func (c Cause) bit() uint64 { return 1 << uint(c) }

// RunState is the hart's run-state machine: Stopped -> Running on Start, Running ->
// Stopped on Pause or context cancellation, Running -> Trapped when the decoder reports
// a fatal error, and a reset always returns the hart to Stopped (then back to Running
// if the machine stays powered).
//
//go:generate stringer -type=RunState
type RunState int32

const (
	Stopped RunState = iota
	Running
	Trapped
)

func (s RunState) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Trapped:
		return "TRAPPED"
	default:
		return "UNKNOWN"
	}
}

// Timecmp is a hart's 64-bit timer compare register. A timer interrupt is pending iff
// the shared mtime counter has reached the compare value.
type Timecmp struct {
	cmp atomic.Uint64
}

// Set stores a new compare value.
func (t *Timecmp) Set(v uint64) { t.cmp.Store(v) }

// Get returns the current compare value.
func (t *Timecmp) Get() uint64 { return t.cmp.Load() }

// Pending reports whether now has reached the compare value.
func (t *Timecmp) Pending(now uint64) bool { return now >= t.cmp.Load() }

// Decoder advances a hart's architectural state. StepUntilEvent returns when a
// pending+enabled interrupt is observed, when WFI parks the hart (the call blocks
// until woken, per ctx), when a fatal fault occurs, or when the hart has been asked to
// pause -- whichever happens first. The core makes no other assumption about it.
type Decoder interface {
	StepUntilEvent(ctx context.Context, h *Hart) error
}

// Hart is one RISC-V execution context. Only the hart's own goroutine (driven by Run)
// mutates architectural state (Regs, PC, CSRs); the pending-interrupt word is the
// exception, set/cleared atomically from any goroutine.
type Hart struct {
	ID   uint
	XLEN uint8 // 32 or 64

	PC   uint64
	Regs [32]uint64

	Mtimecmp Timecmp

	pending atomic.Uint64 // bitmask of Cause
	enabled atomic.Uint64 // bitmask of Causes currently enabled (decoder-maintained mirror)

	state atomic.Int32

	wakeMu sync.Mutex
	wakeCh chan struct{}

	decoder Decoder

	log *log.Logger
}

// New creates a parked (Stopped) hart.
func New(id uint, xlen uint8, decoder Decoder) *Hart {
	h := &Hart{
		ID:      id,
		XLEN:    xlen,
		decoder: decoder,
		wakeCh:  make(chan struct{}, 1),
		log:     log.DefaultLogger(),
	}
	h.state.Store(int32(Stopped))

	return h
}

// WithLogger overrides the hart's logger.
func (h *Hart) WithLogger(l *log.Logger) { h.log = l }

// State returns the hart's current run state.
func (h *Hart) State() RunState { return RunState(h.state.Load()) }

// Interrupt sets cause's pending bit (release semantics) and wakes the hart if it is
// parked.
func (h *Hart) Interrupt(cause Cause) {
	for {
		old := h.pending.Load()
		if h.pending.CompareAndSwap(old, old|cause.bit()) {
			break
		}
	}

	h.wake()
}

// InterruptClear clears cause's pending bit.
func (h *Hart) InterruptClear(cause Cause) {
	for {
		old := h.pending.Load()
		if h.pending.CompareAndSwap(old, old&^cause.bit()) {
			return
		}
	}
}

// Pending returns the full pending-interrupt bitmask (acquire semantics via the atomic
// load).
func (h *Hart) Pending() uint64 { return h.pending.Load() }

// PendingCause reports whether cause's bit is currently set.
func (h *Hart) PendingCause(cause Cause) bool {
	return h.pending.Load()&cause.bit() != 0
}

// Run drives the hart's instruction-cycle loop: while Running, it repeatedly asks the
// decoder to advance until an event occurs, and returns when the context is cancelled
// or the hart transitions out of Running.
func (h *Hart) Run(ctx context.Context) error {
	for h.State() == Running {
		select {
		case <-ctx.Done():
			h.state.Store(int32(Stopped))
			return ctx.Err()
		default:
		}

		if err := h.decoder.StepUntilEvent(ctx, h); err != nil {
			h.state.Store(int32(Trapped))
			return err
		}
	}

	return nil
}

// Start transitions the hart to Running. It is a no-op if already running.
func (h *Hart) Start() { h.state.Store(int32(Running)) }

// Pause asks the hart to stop at the next instruction boundary. The caller observes
// the transition by polling State or waiting on the Run goroutine to return.
func (h *Hart) Pause() {
	h.state.CompareAndSwap(int32(Running), int32(Stopped))
	h.wake()
}

// ParkUntil blocks the calling goroutine (the decoder, executing WFI) until woken by
// Interrupt, until deadline elapses, or until ctx is cancelled -- whichever comes
// first. It returns immediately without blocking if an interrupt is already pending.
func (h *Hart) ParkUntil(ctx context.Context, deadline time.Time) {
	if h.pending.Load() != 0 {
		return
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-h.wakeCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (h *Hart) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// Reset returns the hart to its boot state: PC at resetPC, a0/a1 set to (hart id, dtb
// address) per the SBI/Linux boot convention, all other GPRs cleared, and the pending
// word cleared. The run state is left Stopped; the caller resumes it if the machine
// stays powered.
func (h *Hart) Reset(resetPC, dtbAddr uint64) {
	h.state.Store(int32(Stopped))
	h.pending.Store(0)

	for i := range h.Regs {
		h.Regs[i] = 0
	}

	h.PC = resetPC
	h.Regs[10] = uint64(h.ID) // a0: hart id
	h.Regs[11] = dtbAddr      // a1: dtb address
}
