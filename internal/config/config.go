// Package config loads a machine manifest: a YAML document describing hart count,
// memory size, clock frequency, and the devices a machine should come up with, so a
// caller doesn't have to hand-assemble a machine.New call and a string of AttachMMIO
// calls.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceSpec describes one MMIO device to attach, keyed by kind so the loader can
// dispatch to the right constructor.
type DeviceSpec struct {
	Kind string         `yaml:"kind"`
	Addr uint64         `yaml:"addr"`
	Opts map[string]any `yaml:"opts,omitempty"`
}

// Manifest is the top-level shape of a machine manifest file.
type Manifest struct {
	Harts    uint         `yaml:"harts"`
	MemBase  uint64       `yaml:"mem_base"`
	MemSize  uint64       `yaml:"mem_size"`
	TimeFreq uint64       `yaml:"time_freq"`
	Cmdline  string       `yaml:"cmdline,omitempty"`
	Bootrom  string       `yaml:"bootrom,omitempty"`
	Kernel   string       `yaml:"kernel,omitempty"`
	DTBAddr  uint64       `yaml:"dtb_addr,omitempty"`
	ResetPC  uint64       `yaml:"reset_pc,omitempty"`
	Devices  []DeviceSpec `yaml:"devices,omitempty"`
}

// Defaults a manifest falls back to when a field is left zero.
const (
	DefaultMemBase  uint64 = 0x80000000
	DefaultMemSize  uint64 = 128 << 20
	DefaultTimeFreq uint64 = 10_000_000
	DefaultResetPC  uint64 = 0x80000000
	DefaultHarts    uint   = 1
)

// Load reads and parses a manifest file, filling in defaults for any zero-valued
// field that has one.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses manifest bytes already read from somewhere other than a file.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest

	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	applyDefaults(&m)

	return &m, nil
}

func applyDefaults(m *Manifest) {
	if m.Harts == 0 {
		m.Harts = DefaultHarts
	}

	if m.MemBase == 0 {
		m.MemBase = DefaultMemBase
	}

	if m.MemSize == 0 {
		m.MemSize = DefaultMemSize
	}

	if m.TimeFreq == 0 {
		m.TimeFreq = DefaultTimeFreq
	}

	if m.ResetPC == 0 {
		m.ResetPC = DefaultResetPC
	}
}
