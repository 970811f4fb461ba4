package fdt

import (
	"bytes"
	"testing"
)

func buildSample() *Tree {
	tree := New()
	tree.BootCPUPhys = 0

	root := tree.Root
	root.PropU32("#address-cells", 2)
	root.PropU32("#size-cells", 2)
	root.PropString("model", "test,machine")

	mem := root.AddChild(NewNode("memory@80000000"))
	mem.PropString("device_type", "memory")
	mem.PropReg(2, 2, [2]uint64{0x80000000, 0x8000000})

	cpus := root.AddChild(NewNode("cpus"))
	cpus.PropU32("#address-cells", 1)
	cpus.PropU32("#size-cells", 0)

	cpu0 := cpus.AddChild(NewNode("cpu@0"))
	cpu0.PropU32("reg", 0)
	cpu0.PropStrings("compatible", "riscv")
	cpu0.Phandle(tree)

	return tree
}

func TestSerializeHeader(t *testing.T) {
	tree := buildSample()

	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize() = %v, want nil", err)
	}

	if len(blob) < 40 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}

	if got := uint32(blob[0])<<24 | uint32(blob[1])<<16 | uint32(blob[2])<<8 | uint32(blob[3]); got != magic {
		t.Errorf("magic = %#x, want %#x", got, magic)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	tree := buildSample()

	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize() = %v, want nil", err)
	}

	parsed, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}

	if parsed.Root.Find("cpus") == nil {
		t.Fatal("parsed tree missing /cpus")
	}

	mem := parsed.Root.Find("memory@80000000")
	if mem == nil {
		t.Fatal("parsed tree missing /memory@80000000")
	}

	var regVal []byte

	for _, p := range mem.Props {
		if p.Name == "reg" {
			regVal = p.Value
		}
	}

	if len(regVal) != 16 {
		t.Fatalf("reg property length = %d, want 16 (2 address + 2 size cells x 4 bytes)", len(regVal))
	}

	reblob, err := parsed.Serialize()
	if err != nil {
		t.Fatalf("re-Serialize() = %v, want nil", err)
	}

	if !bytes.Equal(blob, reblob) {
		t.Error("Serialize(Parse(Serialize(tree))) != Serialize(tree); round trip is not byte-stable")
	}
}

func TestPhandleAllocatedLazily(t *testing.T) {
	tree := New()
	node := tree.Root.AddChild(NewNode("intc"))

	if node.phandle != 0 {
		t.Fatal("phandle assigned before first Phandle() call")
	}

	p1 := node.Phandle(tree)
	p2 := node.Phandle(tree)

	if p1 == 0 {
		t.Error("Phandle() = 0, want nonzero")
	}

	if p1 != p2 {
		t.Errorf("Phandle() not stable across calls: %d != %d", p1, p2)
	}
}
