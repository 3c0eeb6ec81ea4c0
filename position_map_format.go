package shufflefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Device layout, in SectorSize sectors:
//
// ┌─────────────────────────────────────┐
// │ Volume header 0                     │ <- volumeSectors sectors per slot
// │ ├─ Reserved sector                  │
// │ ├─ IV block 0 (256 IVs)             │
// │ ├─ Position map blocks 0..255       │ <- 1024 big-endian PSIs each,
// │ ├─ IV block 1                       │    encrypted with IV j of the group
// │ └─ ...                              │
// ├─────────────────────────────────────┤
// │ Volume header 1 .. MaxVolumes-1     │
// ├─────────────────────────────────────┤
// │ Physical slice 0                    │
// │ ├─ IV block (256 IVs)               │
// │ └─ Data blocks 0..255               │
// ├─────────────────────────────────────┤
// │ Physical slice 1 .. totalSlices-1   │
// └─────────────────────────────────────┘

// Layout locates volume headers and physical slices on a device.
type Layout struct {
	TotalSlices   uint32
	MaxVolumes    int
	DataBlocks    uint64 // Position map blocks per volume header
	IVBlocks      uint64 // IV blocks per volume header
	VolumeSectors uint64 // Sectors per volume header
	HeaderSectors uint64 // Sectors before the first physical slice
}

// NewLayout computes the layout of a device with totalSlices slices
func NewLayout(totalSlices uint32, maxVolumes int) Layout {
	data := (uint64(totalSlices) + MappingsPerBlock - 1) / MappingsPerBlock
	ivs := (data + IVsPerBlock - 1) / IVsPerBlock
	vol := 1 + data + ivs
	return Layout{
		TotalSlices:   totalSlices,
		MaxVolumes:    maxVolumes,
		DataBlocks:    data,
		IVBlocks:      ivs,
		VolumeSectors: vol,
		HeaderSectors: uint64(maxVolumes) * vol,
	}
}

// VolumeHeaderSector returns the reserved first sector of a volume header
func (l Layout) VolumeHeaderSector(index int) uint64 {
	return uint64(index) * l.VolumeSectors
}

// IVBlockSector returns the IV block sector of a physical slice
func (l Layout) IVBlockSector(psi PSI) uint64 {
	return l.HeaderSectors + uint64(psi)*PhysSliceSectors
}

// DataSector returns the sector holding data block off of a physical slice
func (l Layout) DataSector(psi PSI, off uint32) uint64 {
	return l.IVBlockSector(psi) + 1 + uint64(off)
}

// TotalSectors returns the device size in sectors
func (l Layout) TotalSectors() uint64 {
	return l.HeaderSectors + uint64(l.TotalSlices)*PhysSliceSectors
}

// PosMapBlock is one decrypted position map block: MappingsPerBlock
// consecutive fmap entries.
type PosMapBlock struct {
	Entries [MappingsPerBlock]NullPSI
}

// WriteTo encodes the block as big-endian PSIs, InvalidPSI for unmapped
func (b *PosMapBlock) WriteTo(w io.Writer) (int64, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SectorSize))

	for i, e := range b.Entries {
		v := uint32(InvalidPSI)
		if e.Valid {
			v = uint32(e.PSI)
		}
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return 0, fmt.Errorf("failed to write entry %d: %w", i, err)
		}
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom decodes a block written by WriteTo
func (b *PosMapBlock) ReadFrom(r io.Reader) (int64, error) {
	var raw [MappingsPerBlock]uint32
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return 0, fmt.Errorf("failed to read position map block: %w", err)
	}

	for i, v := range raw {
		if v == InvalidPSI {
			b.Entries[i] = NullPSI{}
		} else {
			b.Entries[i] = NullPSI{PSI: PSI(v), Valid: true}
		}
	}
	return SectorSize, nil
}

// Bytes encodes the block into a new SectorSize buffer
func (b *PosMapBlock) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, SectorSize))
	b.WriteTo(buf)
	return buf.Bytes()
}
