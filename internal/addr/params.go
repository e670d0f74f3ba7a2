package addr

import (
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"
)

// Params fixes the address bit layout for one compilation. The widths
// are configurable because realistic deployments and test harnesses
// want very different address spaces; DefaultParams matches the test
// suite's small space.
type Params struct {
	OffsetBits    int `yaml:"offsetBits,omitempty"`
	ComponentBits int `yaml:"componentBits,omitempty"`
	SlotBits      int `yaml:"slotBits,omitempty"`

	// BasicBlockSize is the code alignment unit in words. Must be a
	// power of two and large enough to cover one mask-restore sequence
	// plus the instruction ahead of it.
	BasicBlockSize int `yaml:"basicBlockSize,omitempty"`
}

// minBasicBlockSize covers the four mask-restore constants plus the
// instruction preceding them.
const minBasicBlockSize = 8

func DefaultParams() Params {
	return Params{
		OffsetBits:     12,
		ComponentBits:  4,
		SlotBits:       16,
		BasicBlockSize: 8,
	}
}

func (p *Params) normalize() {
	def := DefaultParams()
	if p.OffsetBits == 0 {
		p.OffsetBits = def.OffsetBits
	}
	if p.ComponentBits == 0 {
		p.ComponentBits = def.ComponentBits
	}
	if p.SlotBits == 0 {
		p.SlotBits = def.SlotBits
	}
	if p.BasicBlockSize == 0 {
		p.BasicBlockSize = def.BasicBlockSize
	}
}

// Validate checks that the layout fits a 64-bit word and that the
// block size can protect the trampoline sequences.
func (p Params) Validate() error {
	if p.OffsetBits < 3 || p.ComponentBits < 1 || p.SlotBits < 3 {
		return fmt.Errorf("addr: field widths too small (offset %d, component %d, slot %d)",
			p.OffsetBits, p.ComponentBits, p.SlotBits)
	}
	if total := p.OffsetBits + p.ComponentBits + p.SlotBits; total > 63 {
		return fmt.Errorf("addr: %d field bits exceed a 63-bit address", total)
	}
	if p.BasicBlockSize < minBasicBlockSize || bits.OnesCount(uint(p.BasicBlockSize)) != 1 {
		return fmt.Errorf("addr: basic block size %d must be a power of two >= %d",
			p.BasicBlockSize, minBasicBlockSize)
	}
	if uint64(p.BasicBlockSize) > p.SlotSize() {
		return fmt.Errorf("addr: basic block size %d exceeds slot size %d",
			p.BasicBlockSize, p.SlotSize())
	}
	return nil
}

// LoadParams reads an address layout description from a YAML file,
// filling in defaults for absent fields.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read %s: %w", path, err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
