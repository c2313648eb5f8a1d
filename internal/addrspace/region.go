package addrspace

// Region is a half-open virtual range [Base, Base+Size) with access flags
// and a backing descriptor (spec §3's "ordered set of virtual regions").
type Region struct {
	Base    uintptr
	Size    uintptr
	Flags   uint32
	Backing Backing
}

// Contains reports whether va falls within the region.
func (r *Region) Contains(va uintptr) bool {
	return va >= r.Base && va < r.Base+r.Size
}
