package hart

import (
	"context"
	"testing"
	"time"
)

type countingDecoder struct {
	steps int
	stop  chan struct{}
}

func (d *countingDecoder) StepUntilEvent(ctx context.Context, h *Hart) error {
	d.steps++

	select {
	case <-d.stop:
		h.Pause()
	case <-ctx.Done():
	default:
	}

	return nil
}

func TestHartInterruptPending(t *testing.T) {
	h := New(0, 64, &countingDecoder{stop: make(chan struct{})})

	if h.Pending() != 0 {
		t.Fatalf("Pending() = %#x, want 0", h.Pending())
	}

	h.Interrupt(MachineTimer)

	if !h.PendingCause(MachineTimer) {
		t.Error("PendingCause(MachineTimer) = false, want true")
	}

	h.InterruptClear(MachineTimer)

	if h.PendingCause(MachineTimer) {
		t.Error("PendingCause(MachineTimer) after clear = true, want false")
	}
}

func TestHartRunStopsOnPause(t *testing.T) {
	d := &countingDecoder{stop: make(chan struct{})}
	h := New(0, 64, d)
	h.Start()

	done := make(chan error, 1)

	go func() {
		done <- h.Run(context.Background())
	}()

	close(d.stop)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Pause")
	}

	if h.State() != Stopped {
		t.Errorf("State() = %s, want STOPPED", h.State())
	}
}

func TestHartParkUntilWakesOnInterrupt(t *testing.T) {
	h := New(0, 64, nil)

	woke := make(chan struct{})

	go func() {
		h.ParkUntil(context.Background(), time.Now().Add(5*time.Second))
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	h.Interrupt(SupervisorSoftware)

	select {
	case <-woke:
	case <-time.After(1 * time.Second):
		t.Fatal("ParkUntil did not wake on Interrupt")
	}
}

func TestHartReset(t *testing.T) {
	h := New(3, 64, nil)
	h.Regs[5] = 0xdeadbeef
	h.Interrupt(MachineSoftware)

	h.Reset(0x80000000, 0x87000000)

	if h.PC != 0x80000000 {
		t.Errorf("PC = %#x, want 0x80000000", h.PC)
	}

	if h.Regs[10] != 3 {
		t.Errorf("a0 = %#x, want hart id 3", h.Regs[10])
	}

	if h.Regs[11] != 0x87000000 {
		t.Errorf("a1 = %#x, want dtb addr", h.Regs[11])
	}

	if h.Regs[5] != 0 {
		t.Errorf("Regs[5] = %#x, want 0 after reset", h.Regs[5])
	}

	if h.Pending() != 0 {
		t.Errorf("Pending() after reset = %#x, want 0", h.Pending())
	}
}

func TestTimecmpPending(t *testing.T) {
	var tc Timecmp
	tc.Set(100)

	if tc.Pending(99) {
		t.Error("Pending(99) = true, want false")
	}

	if !tc.Pending(100) {
		t.Error("Pending(100) = false, want true")
	}
}
