package bitfield

// PTEFlags is the packed access/attribute word carried by a page-table entry
// (spec.md §4.2's "flags" argument to pt_insert/pt_update). It is
// architecture-neutral: a concrete archiface.Arch translates it into
// whatever bit layout its hardware PTE format actually uses.
type PTEFlags struct {
	Present    bool   `bitfield:",1"`
	Writable   bool   `bitfield:",1"`
	Executable bool   `bitfield:",1"`
	User       bool   `bitfield:",1"`
	Accessed   bool   `bitfield:",1"`
	Dirty      bool   `bitfield:",1"`
	Cacheable  bool   `bitfield:",1"`
	Global     bool   `bitfield:",1"`
	Reserved   uint32 `bitfield:",24"`
}

// PackPTEFlags packs f into the 32-bit word stored alongside a PTE.
func PackPTEFlags(f PTEFlags) (uint32, error) {
	packed, err := Pack(f, &Config{NumBits: 32})
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackPTEFlags is the inverse of PackPTEFlags.
func UnpackPTEFlags(packed uint32) (PTEFlags, error) {
	var f PTEFlags
	err := Unpack(uint64(packed), &f)
	return f, err
}
