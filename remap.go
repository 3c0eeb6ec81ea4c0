package shufflefs

import (
	"context"
)

// Location is where a logical block lives on the device.
type Location struct {
	LSI    uint32 // Logical slice
	Offset uint32 // Data block within the slice
	PSI    PSI    // Physical slice, valid unless the remap reported ErrUnmapped
	Sector uint64 // Physical SectorSize sector
}

// NativeSector returns the physical location in NativeSectorSize sectors
func (l Location) NativeSector() uint64 {
	return l.Sector * SectorScale
}

// Remap translates a logical 512-byte sector into its physical location,
// allocating the slice for IntentWrite. For an unmapped slice read the
// returned Location carries LSI and Offset and the error is ErrUnmapped.
func (v *Volume) Remap(ctx context.Context, logicalSector uint64, intent Intent) (Location, error) {
	if err := ValidateLogicalSector(logicalSector); err != nil {
		return Location{}, err
	}

	block := logicalSector / SectorScale
	lsi := block / SliceBlocks
	if lsi >= uint64(v.dev.layout.TotalSlices) {
		return Location{}, NewValidationError("sector", logicalSector, "beyond the end of the volume")
	}
	loc := Location{LSI: uint32(lsi), Offset: uint32(block % SliceBlocks)}

	psi, err := v.MapSlice(ctx, loc.LSI, intent)
	if err != nil {
		return loc, err
	}
	loc.PSI = psi
	loc.Sector = v.dev.layout.DataSector(psi, loc.Offset)
	return loc, nil
}
