package shufflefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MapSlice returns the physical slice backing lsi. An unmapped slice is
// allocated for IntentWrite and reported as ErrUnmapped for IntentRead.
func (v *Volume) MapSlice(ctx context.Context, lsi uint32, intent Intent) (PSI, error) {
	if err := ValidateLSI(lsi, uint32(len(v.fmap))); err != nil {
		return 0, err
	}

	if err := v.fmapMu.Lock(ctx); err != nil {
		return 0, err
	}
	defer v.fmapMu.Unlock()

	if e := v.fmap[lsi]; e.Valid {
		return e.PSI, nil
	}
	if intent == IntentRead {
		return 0, ErrUnmapped
	}

	if err := v.dev.alloc.Lock(ctx); err != nil {
		return 0, err
	}
	defer v.dev.alloc.Unlock()

	return v.allocateLocked(lsi)
}

// allocateLocked maps lsi to a fresh random slice. Caller holds the fmap and
// rmap locks.
func (v *Volume) allocateLocked(lsi uint32) (PSI, error) {
	psi, err := v.dev.alloc.AllocateRandomFree()
	if err != nil {
		return 0, fmt.Errorf("mapping lsi %d of %s: %w", lsi, v.name, err)
	}
	if err := v.dev.alloc.SetOwnership(psi, v.index); err != nil {
		return 0, err
	}

	v.fmap[lsi] = NullPSI{PSI: psi, Valid: true}
	v.mapped++
	v.log.WithFields(logrus.Fields{fieldLSI: lsi, fieldPSI: psi}).Debug("mapped slice")
	return psi, nil
}

// discardLocked unmaps lsi. If v owned the slice in the reverse map, it is
// handed to heir (a volume still mapping it) or freed when heir < 0.
// Caller holds the fmap and rmap locks.
func (v *Volume) discardLocked(lsi uint32, heir int) {
	e := v.fmap[lsi]
	if !e.Valid {
		return
	}
	v.fmap[lsi] = NullPSI{}
	v.mapped--

	if owner, ok := v.dev.alloc.Owner(e.PSI); ok && owner == v.index {
		if heir >= 0 {
			v.dev.alloc.transferOwnership(e.PSI, heir)
		} else {
			v.dev.alloc.ClearOwnership(e.PSI)
		}
	}
}

// Mapping returns the current fmap entry of lsi
func (v *Volume) Mapping(ctx context.Context, lsi uint32) (NullPSI, error) {
	if err := ValidateLSI(lsi, uint32(len(v.fmap))); err != nil {
		return NullPSI{}, err
	}
	if err := v.fmapMu.Lock(ctx); err != nil {
		return NullPSI{}, err
	}
	defer v.fmapMu.Unlock()
	return v.fmap[lsi], nil
}

// snapshotFmap copies the fmap under its lock
func (v *Volume) snapshotFmap(ctx context.Context) ([]NullPSI, error) {
	if err := v.fmapMu.Lock(ctx); err != nil {
		return nil, err
	}
	defer v.fmapMu.Unlock()
	out := make([]NullPSI, len(v.fmap))
	copy(out, v.fmap)
	return out, nil
}

// lockMaps takes the fmap lock then the rmap lock
func (v *Volume) lockMaps(ctx context.Context) error {
	if err := v.fmapMu.Lock(ctx); err != nil {
		return err
	}
	if err := v.dev.alloc.Lock(ctx); err != nil {
		v.fmapMu.Unlock()
		return err
	}
	return nil
}

func (v *Volume) unlockMaps() {
	v.dev.alloc.Unlock()
	v.fmapMu.Unlock()
}

// loadPositionMap reads and decrypts the position map from the volume
// header and claims every mapped slice in the reverse map. On failure the
// claims made so far are rolled back.
func (v *Volume) loadPositionMap(ctx context.Context) error {
	if err := v.lockMaps(ctx); err != nil {
		return err
	}
	defer v.unlockMaps()

	l := v.dev.layout
	var claimed []PSI
	var collisions int
	fail := func(err error) error {
		for _, psi := range claimed {
			v.dev.alloc.ClearOwnership(psi)
		}
		clear(v.fmap)
		v.mapped = 0
		return err
	}

	ivBlock := make([]byte, SectorSize)
	data := make([]byte, SectorSize)
	sector := l.VolumeHeaderSector(v.index) + 1
	var lsi uint32

	for g := uint64(0); g < l.IVBlocks && lsi < l.TotalSlices; g++ {
		if err := v.dev.dev.ReadSector(sector, ivBlock); err != nil {
			return fail(fmt.Errorf("reading position map IV block %d: %w", g, err))
		}
		sector++

		for j := uint32(0); j < IVsPerBlock && lsi < l.TotalSlices; j++ {
			if err := v.dev.dev.ReadSector(sector, data); err != nil {
				return fail(fmt.Errorf("reading position map block at sector %d: %w", sector, err))
			}
			iv := ivBlock[j*IVSize : (j+1)*IVSize]
			if err := v.cipher.Decrypt(data, data, iv); err != nil {
				return fail(NewEncryptionError("decrypt", v.name, int64(sector), err))
			}
			sector++

			var block PosMapBlock
			if _, err := block.ReadFrom(bytes.NewReader(data)); err != nil {
				return fail(err)
			}

			for k := 0; k < MappingsPerBlock && lsi < l.TotalSlices; k, lsi = k+1, lsi+1 {
				e := block.Entries[k]
				if !e.Valid {
					continue
				}
				if uint32(e.PSI) >= l.TotalSlices {
					return fail(NewCorruptionError(v.name, int64(lsi),
						fmt.Sprintf("psi %d beyond device size %d (wrong key?)", e.PSI, l.TotalSlices)))
				}

				err := v.dev.alloc.SetOwnership(e.PSI, v.index)
				switch {
				case err == nil:
					claimed = append(claimed, e.PSI)
				case errors.Is(err, ErrAlreadyOwned):
					owner, _ := v.dev.alloc.Owner(e.PSI)
					if owner == v.index {
						return fail(NewCorruptionError(v.name, int64(lsi), fmt.Sprintf("psi %d mapped twice", e.PSI)))
					}
					if v.dev.redundancy == RedundancyNone {
						return fail(fmt.Errorf("loading %s: lsi %d: %w", v.name, lsi, err))
					}
					collisions++
					v.log.WithFields(logrus.Fields{fieldLSI: lsi, fieldPSI: e.PSI, "owner": owner}).
						Warn("slice collision left for redundancy repair")
				default:
					return fail(err)
				}

				v.fmap[lsi] = e
				v.mapped++
			}
		}
	}

	v.log.WithFields(logrus.Fields{"mapped": v.mapped, "collisions": collisions}).Info("position map loaded")
	return nil
}

// storePositionMap encrypts the position map into the volume header under a
// freshly sampled IV block per group.
func (v *Volume) storePositionMap(ctx context.Context) error {
	if err := v.lockMaps(ctx); err != nil {
		return err
	}
	defer v.unlockMaps()

	l := v.dev.layout
	ivBlock := make([]byte, SectorSize)
	sector := l.VolumeHeaderSector(v.index) + 1
	var lsi uint32

	for g := uint64(0); g < l.IVBlocks && lsi < l.TotalSlices; g++ {
		if err := randomBytes(v.dev.cfg.Rand, ivBlock); err != nil {
			return err
		}
		if err := v.dev.dev.WriteSector(sector, ivBlock); err != nil {
			return fmt.Errorf("writing position map IV block %d: %w", g, err)
		}
		sector++

		for j := uint32(0); j < IVsPerBlock && lsi < l.TotalSlices; j++ {
			var block PosMapBlock
			for k := 0; k < MappingsPerBlock; k++ {
				if lsi < l.TotalSlices {
					block.Entries[k] = v.fmap[lsi]
					lsi++
				}
			}

			data := block.Bytes()
			iv := ivBlock[j*IVSize : (j+1)*IVSize]
			if err := v.cipher.Encrypt(data, data, iv); err != nil {
				return NewEncryptionError("encrypt", v.name, int64(sector), err)
			}
			if err := v.dev.dev.WriteSector(sector, data); err != nil {
				return fmt.Errorf("writing position map block at sector %d: %w", sector, err)
			}
			sector++
		}
	}

	v.log.WithField("mapped", v.mapped).Info("position map stored")
	return nil
}

// releaseSlices gives back the reverse map entries owned by v on detach
func (v *Volume) releaseSlices(ctx context.Context) error {
	if err := v.lockMaps(ctx); err != nil {
		return err
	}
	defer v.unlockMaps()

	for _, e := range v.fmap {
		if !e.Valid {
			continue
		}
		if owner, ok := v.dev.alloc.Owner(e.PSI); ok && owner == v.index {
			v.dev.alloc.ClearOwnership(e.PSI)
		}
	}
	return nil
}
