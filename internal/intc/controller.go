// Package intc implements the machine's interrupt fabric: the abstract Controller
// extension point and the concrete controllers built on it -- a core-local CLINT/ACLINT
// timer-and-software-interrupt unit, a legacy PLIC, and the AIA pair APLIC+IMSIC.
package intc

// IRQ is an opaque interrupt line identifier allocated by a Controller.
type IRQ uint32

// Controller is the polymorphic handle every platform-level interrupt source targets.
// Device models never switch on concrete controller kind; they hold a Controller and
// call its six operations. PLIC and APLIC are the two built-in implementations; CLINT
// is not one, since guests reach it by direct MMIO rather than through a device's
// Controller handle.
type Controller interface {
	// AllocIRQ returns a fresh line id, opaque to the caller.
	AllocIRQ() IRQ

	// SendIRQ pulses irq (edge-triggered).
	SendIRQ(irq IRQ) bool

	// RaiseIRQ/LowerIRQ assert/deassert irq (level-triggered).
	RaiseIRQ(irq IRQ) bool
	LowerIRQ(irq IRQ) bool

	// FDTPhandle returns the controller's Device Tree phandle, assigned lazily.
	FDTPhandle() uint32

	// FDTIRQCells returns the interrupts-extended cell encoding for irq.
	FDTIRQCells(irq IRQ) []uint32
}
