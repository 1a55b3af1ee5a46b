package vmm

import "gopherboot/loader"

// Translate returns the physical address and leaf permissions that
// correspond to the supplied virtual address or ErrInvalidMapping if the
// virtual address does not correspond to a mapped physical address.
func (b *Builder) Translate(virtAddr uintptr) (uintptr, PageTableEntryFlag, *loader.Error) {
	var (
		physAddr uintptr
		flags    PageTableEntryFlag
		err      = ErrInvalidMapping
	)

	b.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			// Calculate the physical address by taking the physical frame address and
			// appending the offset from the virtual address
			physAddr = pte.Frame().Address() + (virtAddr & (leafSize(pteLevel) - 1))
			flags = pte.Flags()
			err = nil
			return false
		}

		return true
	})

	if err != nil {
		return 0, 0, err
	}
	return physAddr, flags, nil
}
