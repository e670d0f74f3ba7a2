// Package addr implements the SFI address codec: bit-packing of
// (component, slot, offset) triples into flat machine addresses, the
// code/data distinction, and the AND/OR mask constants loaded into the
// reserved mask registers by generated code.
package addr

// An Address packs three fields, low to high:
//
//	offset    OffsetBits
//	component ComponentBits
//	slot      SlotBits
//
// The low bit of the slot field doubles as the code/data flag: even
// slots hold code, odd slots hold data. Slot 1 of every component is
// the allocator metadata word and slot 0 of the monitor component
// (SFI id 0) holds the bootstrap sequence.
type Address = uint64

// ComponentID is a dense SFI component id in [0, CompMax). Id 0 is the
// monitor component.
type ComponentID = uint64

// AllocMetaSlot is the per-component data slot holding the bump
// allocator's next-block counter.
const AllocMetaSlot = 1

// shadowStackFirstSlot is the first monitor data slot used for shadow
// stack entries. Slot 1 is the monitor's own allocator metadata.
const shadowStackFirstSlot = 3

// fieldShift returns the bit position of the slot field, which is also
// the shift applied when computing shadow stack slot addresses.
func (p Params) fieldShift() uint {
	return uint(p.OffsetBits + p.ComponentBits)
}

// FieldShift exposes the slot field position for trampoline code that
// computes slot addresses at runtime.
func (p Params) FieldShift() uint64 {
	return uint64(p.fieldShift())
}

// AddressOf packs a (component, slot, offset) triple. The caller is
// responsible for range checking; out-of-range fields are a caller bug.
func (p Params) AddressOf(cid ComponentID, slot, offset uint64) Address {
	return slot<<p.fieldShift() | cid<<uint(p.OffsetBits) | offset
}

// Decode unpacks an address into its (component, slot, offset) triple.
func (p Params) Decode(a Address) (cid ComponentID, slot, offset uint64) {
	return p.ComponentOf(a), p.SlotOf(a), p.OffsetOf(a)
}

func (p Params) OffsetOf(a Address) uint64 {
	return a & (1<<uint(p.OffsetBits) - 1)
}

func (p Params) ComponentOf(a Address) ComponentID {
	return (a >> uint(p.OffsetBits)) & (1<<uint(p.ComponentBits) - 1)
}

func (p Params) SlotOf(a Address) uint64 {
	return (a >> p.fieldShift()) & (1<<uint(p.SlotBits) - 1)
}

// IsDataAddress reports whether a falls in a data slot (odd slot id).
func (p Params) IsDataAddress(a Address) bool {
	return a>>p.fieldShift()&1 == 1
}

// IsCodeAddress is the complement of IsDataAddress.
func (p Params) IsCodeAddress(a Address) bool {
	return !p.IsDataAddress(a)
}

// MaxOffset is the largest representable intra-slot offset.
func (p Params) MaxOffset() uint64 {
	return 1<<uint(p.OffsetBits) - 1
}

// SlotSize is the number of words in a slot.
func (p Params) SlotSize() uint64 {
	return 1 << uint(p.OffsetBits)
}

// CompMax is the number of SFI component ids, monitor included.
func (p Params) CompMax() uint64 {
	return 1 << uint(p.ComponentBits)
}

// MaxSlot is the largest representable slot id.
func (p Params) MaxSlot() uint64 {
	return 1<<uint(p.SlotBits) - 1
}

// AndCodeMask returns the global AND mask for jump targets. Besides
// clearing the component field and the data flag it clears the low
// log2(BasicBlockSize) offset bits, so a masked jump always lands on a
// basic block boundary inside the current component's code region.
func (p Params) AndCodeMask() uint64 {
	slotKeep := (p.MaxSlot() &^ 1) << p.fieldShift()
	offKeep := p.MaxOffset() &^ uint64(p.BasicBlockSize-1)
	return slotKeep | offKeep
}

// AndDataMask returns the global AND mask for load/store addresses:
// offset and slot survive, component field and flag bit are cleared.
func (p Params) AndDataMask() uint64 {
	return (p.MaxSlot()&^1)<<p.fieldShift() | p.MaxOffset()
}

// OrCodeMask returns the per-component OR mask forcing an address into
// cid's code region.
func (p Params) OrCodeMask(cid ComponentID) uint64 {
	return cid << uint(p.OffsetBits)
}

// OrDataMask returns the per-component OR mask forcing an address into
// cid's data region (flag bit set).
func (p Params) OrDataMask(cid ComponentID) uint64 {
	return 1<<p.fieldShift() | cid<<uint(p.OffsetBits)
}

// CodeSlot maps a procedure index to its code slot. Slot 0 is left to
// the monitor bootstrap, so procedures start at slot 2.
func CodeSlot(procIndex uint64) uint64 {
	return 2 * (procIndex + 1)
}

// DataSlot maps a buffer or dynamically allocated block index to its
// data slot, skipping the allocator metadata slot.
func DataSlot(blockIndex uint64) uint64 {
	return 2*blockIndex + shadowStackFirstSlot
}

// ShadowStackBase is the address of the first shadow stack slot in the
// monitor component. The slot for stack depth n is
// ShadowStackBase + n << (FieldShift+1), keeping slot ids odd. The sum
// must carry into the higher slot bits (base slot 3 is 0b11, so an OR
// against the shifted index would alias depths 0 and 1).
func (p Params) ShadowStackBase() Address {
	return p.AddressOf(0, shadowStackFirstSlot, 0)
}

// ShadowSlot returns the shadow stack slot address for depth n. The
// trampolines compute the same value in registers.
func (p Params) ShadowSlot(n uint64) Address {
	return p.ShadowStackBase() + n<<(p.fieldShift()+1)
}
