package intc

import (
	"bytes"
	"testing"

	"github.com/rvvm-go/rvvm/internal/bus"
	"github.com/rvvm-go/rvvm/internal/fdt"
	"github.com/rvvm-go/rvvm/internal/hart"
)

func TestAplicForwardsToImsic(t *testing.T) {
	b := bus.New()
	h := hart.New(0, 64, nil)

	im := NewImsic()
	f, err := im.AttachHart(b, 0x28000000, h, hart.SupervisorExternal)
	if err != nil {
		t.Fatalf("AttachHart() = %v, want nil", err)
	}

	f.enabled = 1 << 7

	a, err := NewAplic(b, AplicDefaultAddr, im)
	if err != nil {
		t.Fatalf("NewAplic() = %v, want nil", err)
	}

	// target hart 0, identity 7, MSI format: hart in bits[18:), identity in bits[0:10).
	a.target[5] = (0 << 18) | 7
	a.enabled[5] = true

	if !a.SendIRQ(5) {
		t.Fatal("SendIRQ(5) = false, want true")
	}

	if !h.PendingCause(hart.SupervisorExternal) {
		t.Error("SupervisorExternal not pending after SendIRQ forwarded to IMSIC")
	}
}

func TestAplicDisabledDomainDropsSendIRQ(t *testing.T) {
	b := bus.New()
	h := hart.New(0, 64, nil)

	im := NewImsic()
	_, _ = im.AttachHart(b, 0x28000000, h, hart.SupervisorExternal)

	a, _ := NewAplic(b, AplicDefaultAddr, im)
	a.domaincfg = 0 // disable

	if a.SendIRQ(1) {
		t.Error("SendIRQ() with domain disabled = true, want false")
	}
}

func TestImsicIdentityZeroIgnored(t *testing.T) {
	b := bus.New()
	h := hart.New(0, 64, nil)

	im := NewImsic()
	_, _ = im.AttachHart(b, 0x28000000, h, hart.MachineExternal)

	if im.Deliver(0, 0) {
		t.Error("Deliver(hart 0, identity 0) = true, want false")
	}
}

func TestAplicAndImsicFDTNodes(t *testing.T) {
	b := bus.New()
	h := hart.New(0, 64, nil)

	im := NewImsic()
	if _, err := im.AttachHart(b, 0x28000000, h, hart.SupervisorExternal); err != nil {
		t.Fatalf("AttachHart() = %v, want nil", err)
	}

	a, err := NewAplic(b, AplicDefaultAddr, im)
	if err != nil {
		t.Fatalf("NewAplic() = %v, want nil", err)
	}

	tree := fdt.New()
	hartPhandles := map[*hart.Hart]uint32{h: 7}

	imsicNode := im.FDTNode(tree, hartPhandles)
	if imsicNode == nil {
		t.Fatal("Imsic.FDTNode() = nil, want a node")
	}

	tree.Root.AddChild(imsicNode)

	aplicNode := a.FDTNode(tree, im.FDTPhandle())
	if aplicNode == nil {
		t.Fatal("Aplic.FDTNode() = nil, want a node")
	}

	tree.Root.AddChild(aplicNode)

	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize() = %v, want nil", err)
	}

	for _, want := range []string{"riscv,aplic", "riscv,imsics"} {
		if !bytes.Contains(blob, []byte(want)) {
			t.Errorf("DTB missing %q", want)
		}
	}

	if a.FDTPhandle() == 0 {
		t.Error("Aplic.FDTPhandle() = 0 after FDTNode(), want nonzero")
	}

	if im.FDTPhandle() == 0 {
		t.Error("Imsic.FDTPhandle() = 0 after FDTNode(), want nonzero")
	}
}
