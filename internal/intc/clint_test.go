package intc

import (
	"bytes"
	"testing"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
	"github.com/rvvm-go/rvvm/internal/timer"
	"github.com/rvvm-go/rvvm/internal/word"
)

func newTestClint(t *testing.T, n int) (*bus.Bus, []*hart.Hart, *Clint, *timer.Timer) {
	t.Helper()

	b := bus.New()
	harts := make([]*hart.Hart, n)

	for i := range harts {
		harts[i] = hart.New(uint(i), 64, nil)
	}

	tm := timer.New(1_000_000)

	c, err := NewClint(b, ClintDefaultAddr, harts, tm)
	if err != nil {
		t.Fatalf("NewClint() = %v, want nil", err)
	}

	return b, harts, c, tm
}

func TestClintMSWI(t *testing.T) {
	b, harts, _, _ := newTestClint(t, 2)

	in := []byte{1, 0, 0, 0}
	if err := b.Store(ClintDefaultAddr.Add(4), in, 4); err != nil {
		t.Fatalf("Store(mswi hart1) = %v, want nil", err)
	}

	if !harts[1].PendingCause(hart.MachineSoftware) {
		t.Error("hart 1 does not have MachineSoftware pending after mswi write")
	}

	if harts[0].PendingCause(hart.MachineSoftware) {
		t.Error("hart 0 has MachineSoftware pending, want false")
	}

	out := make([]byte, 4)
	if err := b.Load(ClintDefaultAddr.Add(4), out, 4); err != nil {
		t.Fatalf("Load(mswi hart1) = %v, want nil", err)
	}

	if out[0] != 1 {
		t.Errorf("mswi readback = %v, want bit 0 set", out)
	}
}

func TestClintMtimecmp(t *testing.T) {
	b, harts, _, tm := newTestClint(t, 1)

	mtimerBase := ClintDefaultAddr.Add(0x4000)

	tm.Rebase(100)

	in := make([]byte, 8)
	word.Write(in, 10, 8)

	if err := b.Store(mtimerBase, in, 8); err != nil {
		t.Fatalf("Store(mtimecmp) = %v, want nil", err)
	}

	if harts[0].Mtimecmp.Get() != 10 {
		t.Errorf("Mtimecmp.Get() = %d, want 10", harts[0].Mtimecmp.Get())
	}

	if !harts[0].PendingCause(hart.MachineTimer) {
		t.Error("MachineTimer not pending after mtimecmp write with mtime already past it")
	}
}

func TestClintPoll(t *testing.T) {
	_, harts, c, tm := newTestClint(t, 1)

	harts[0].Mtimecmp.Set(50)
	tm.Rebase(100)

	c.Poll()

	if !harts[0].PendingCause(hart.MachineTimer) {
		t.Error("Poll() did not raise MachineTimer for a past-due compare")
	}
}

func TestClintAppendFDTNode(t *testing.T) {
	_, harts, c, _ := newTestClint(t, 2)

	tree := fdt.New()
	hartPhandles := map[*hart.Hart]uint32{harts[0]: 1, harts[1]: 2}

	soc := fdt.NewNode("soc")
	c.AppendFDTNode(soc, hartPhandles)
	tree.Root.AddChild(soc)

	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize() = %v, want nil", err)
	}

	if !bytes.Contains(blob, []byte("sifive,clint0")) {
		t.Error("AppendFDTNode() missing sifive,clint0 compatible string")
	}
}
