package isa

// Image is the sparse target memory: a mapping from flat addresses to
// words. Cells are either instructions or data; the two never alias.
type Image map[uint64]Word

// Clone returns an independent copy, used to derive a mutable machine
// state from an immutable compiled image.
func (im Image) Clone() Image {
	out := make(Image, len(im))
	for a, w := range im {
		out[a] = w
	}
	return out
}
