package shufflefs

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// RekeyReport summarizes a completed key rotation
type RekeyReport struct {
	Slices   int
	Blocks   int
	Duration time.Duration
}

// Rekey re-encrypts every mapped slice of v and its position map under key.
// Each block gets a fresh IV. Requests on v wait while the rotation runs;
// requests on other volumes proceed.
//
// The volume is re-encrypted in place, so a rotation that fails halfway
// leaves slices under both keys. The returned error says how far it got.
func (v *Volume) Rekey(ctx context.Context, key []byte) (RekeyReport, error) {
	var report RekeyReport

	if err := ValidateKey(key, KeySize); err != nil {
		return report, err
	}

	end, err := v.begin()
	if err != nil {
		return report, err
	}
	defer end()

	d := v.dev
	if err := d.repairMu.Lock(ctx); err != nil {
		return report, err
	}
	defer d.repairMu.Unlock()

	if err := v.keyMu.Lock(ctx); err != nil {
		return report, err
	}
	defer v.keyMu.Unlock()

	next, err := NewSectorCipher(v.cipher.Suite(), key)
	if err != nil {
		return report, err
	}

	start := time.Now()
	slices, err := v.mappedSlices(ctx)
	if err != nil {
		return report, err
	}

	// Past this point cancellation would leave a mixed volume.
	work := context.WithoutCancel(ctx)
	for _, psi := range slices {
		if err := v.reencryptSlice(work, psi, next); err != nil {
			return report, fmt.Errorf("rekey of %s stopped after %d of %d slices: %w", v.name, report.Slices, len(slices), err)
		}
		report.Slices++
		report.Blocks += SliceBlocks
	}

	v.cipher = next
	if err := d.ivCache.FlushAll(work); err != nil {
		return report, err
	}
	if err := v.storePositionMap(work); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	v.log.WithFields(logrus.Fields{
		"slices":   report.Slices,
		"size":     humanize.IBytes(uint64(report.Blocks) * SectorSize),
		"duration": report.Duration,
	}).Info("volume rekeyed")
	return report, nil
}

// mappedSlices returns the physical slices currently mapped by v
func (v *Volume) mappedSlices(ctx context.Context) ([]PSI, error) {
	fmap, err := v.snapshotFmap(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]PSI, 0, len(fmap))
	for _, e := range fmap {
		if e.Valid {
			out = append(out, e.PSI)
		}
	}
	return out, nil
}

// reencryptSlice moves every block of psi from the current cipher to next.
// Caller holds keyMu exclusively.
func (v *Volume) reencryptSlice(ctx context.Context, psi PSI, next SectorCipher) error {
	d := v.dev
	ivs, err := d.ivCache.Acquire(ctx, psi, IntentWrite)
	if err != nil {
		return err
	}
	defer ivs.Release()

	buf := make([]byte, SectorSize)
	iv := make([]byte, IVSize)
	for k := uint32(0); k < SliceBlocks; k++ {
		sector := d.layout.DataSector(psi, k)
		if err := d.dev.ReadSector(sector, buf); err != nil {
			return err
		}
		if err := v.cipher.Decrypt(buf, buf, ivs.IV(k)); err != nil {
			return NewEncryptionError("decrypt", v.name, int64(sector), err)
		}
		if err := randomBytes(d.cfg.Rand, iv); err != nil {
			return err
		}
		if err := next.Encrypt(buf, buf, iv); err != nil {
			return NewEncryptionError("encrypt", v.name, int64(sector), err)
		}
		if err := d.dev.WriteSector(sector, buf); err != nil {
			return err
		}
		ivs.SetIV(k, iv)
	}
	return nil
}
