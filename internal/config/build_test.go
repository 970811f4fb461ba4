package config

import (
	"bytes"
	"context"
	"testing"

	"github.com/rvvm-go/rvvm/internal/hart"
)

type noopDecoder struct{}

func (noopDecoder) StepUntilEvent(ctx context.Context, h *hart.Hart) error {
	<-ctx.Done()
	return ctx.Err()
}

func testDecoderFor(uint) hart.Decoder { return noopDecoder{} }

func TestBuildAssemblesDevices(t *testing.T) {
	doc := `
harts: 1
mem_size: 0x10000000
devices:
  - kind: plic
    addr: 0x0c000000
    opts:
      num_sources: 16
  - kind: syscon
    addr: 0x00100000
`

	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}

	mach, err := Build(m, testDecoderFor)
	if err != nil {
		t.Fatalf("Build() = %v, want nil", err)
	}
	t.Cleanup(func() { _ = mach.Free() })

	if mach.Controller() == nil {
		t.Error("Build() did not wire a platform Controller from the plic device spec")
	}

	blob, err := mach.DumpDTB()
	if err != nil {
		t.Fatalf("DumpDTB() = %v, want nil", err)
	}

	for _, want := range []string{"riscv,plic0", "syscon-poweroff", "syscon-reboot"} {
		if !bytes.Contains(blob, []byte(want)) {
			t.Errorf("DumpDTB() missing %q, want device nodes wired by Build()", want)
		}
	}
}

func TestBuildUnknownDeviceKind(t *testing.T) {
	m, err := Parse([]byte("devices:\n  - kind: bogus\n    addr: 0x1000\n"))
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}

	if _, err := Build(m, testDecoderFor); err == nil {
		t.Fatal("Build() with an unknown device kind = nil error, want an error")
	}
}
