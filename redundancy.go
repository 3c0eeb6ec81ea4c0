package shufflefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SliceCorrelation records two volumes mapping the same physical slice.
// Receiver (the higher volume index of the pair) gives up its mapping and is
// refilled from Donor, the redundant copy of the same data.
type SliceCorrelation struct {
	PSI         PSI    // Colliding physical slice
	Other       int    // Lower volume of the colliding pair; keeps PSI
	OtherLSI    uint32 // Logical slice of Other mapped to PSI
	Receiver    int    // Higher volume of the colliding pair
	ReceiverLSI uint32 // Logical slice of Receiver mapped to PSI
	Donor       int    // Volume holding the redundant copy
	DonorLSI    uint32 // Logical slice of Donor holding the copy
}

// RepairReport summarizes a redundancy repair pass
type RepairReport struct {
	Mode            RedundancyMode
	Collisions      int // Correlations found by the scan
	Repaired        int // Receivers refilled from their donor
	DoubleCorrupted int // Receivers reallocated but left empty: donor corrupted too
	Skipped         int // Donor missing or unmapped; receiver reallocated or untouched
	Failed          int // Reallocation or transfusion errors
	Errors          []error
}

func (r *RepairReport) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// donorFor returns the volume and slice holding the redundant copy of
// (receiver, lsi) under mode.
func donorFor(mode RedundancyMode, receiver int, lsi uint32) (int, uint32, bool) {
	switch mode {
	case RedundancyAmong:
		if receiver%2 == 0 {
			return receiver - 1, lsi, true
		}
		return receiver + 1, lsi, true
	case RedundancyWithin:
		return receiver, lsi ^ 1, true
	default:
		return 0, 0, false
	}
}

// ScanCollisions finds every physical slice mapped by more than one attached
// volume. Each (receiver, receiver slice) is reported once.
func (d *Device) ScanCollisions(ctx context.Context) ([]SliceCorrelation, error) {
	vols := d.Volumes()
	fmaps := make([][]NullPSI, len(vols))
	for i, v := range vols {
		fm, err := v.snapshotFmap(ctx)
		if err != nil {
			return nil, err
		}
		fmaps[i] = fm
	}

	type receiverKey struct {
		vol int
		lsi uint32
	}
	seen := make(map[receiverKey]bool)
	var corrs []SliceCorrelation

	for lo := range vols {
		owned := make(map[PSI]uint32)
		for lsi, e := range fmaps[lo] {
			if e.Valid {
				owned[e.PSI] = uint32(lsi)
			}
		}
		if len(owned) == 0 {
			continue
		}

		for hi := lo + 1; hi < len(vols); hi++ {
			for lsi, e := range fmaps[hi] {
				if !e.Valid {
					continue
				}
				otherLSI, ok := owned[e.PSI]
				if !ok {
					continue
				}

				low, high := vols[lo], vols[hi]
				d.log.WithFields(logrus.Fields{
					fieldPSI: e.PSI,
					"low":    fmt.Sprintf("%d:%d", low.index, otherLSI),
					"high":   fmt.Sprintf("%d:%d", high.index, lsi),
				}).Info("slice conflict")

				key := receiverKey{high.index, uint32(lsi)}
				if seen[key] {
					continue
				}
				seen[key] = true

				donor, donorLSI, ok := donorFor(d.redundancy, high.index, uint32(lsi))
				if !ok {
					continue
				}
				corrs = append(corrs, SliceCorrelation{
					PSI:         e.PSI,
					Other:       low.index,
					OtherLSI:    otherLSI,
					Receiver:    high.index,
					ReceiverLSI: uint32(lsi),
					Donor:       donor,
					DonorLSI:    donorLSI,
				})
			}
		}
	}
	return corrs, nil
}

// Repair scans for slice collisions and resolves each one: the receiver's
// mapping is replaced by a fresh slice and refilled from the donor. Failures
// are counted per collision and do not stop the pass; only an interrupted
// wait aborts it.
func (d *Device) Repair(ctx context.Context) (RepairReport, error) {
	report := RepairReport{Mode: d.redundancy}
	if d.redundancy == RedundancyNone {
		return report, nil
	}

	if err := d.repairMu.Lock(ctx); err != nil {
		return report, err
	}
	defer d.repairMu.Unlock()

	corrs, err := d.ScanCollisions(ctx)
	if err != nil {
		return report, err
	}
	report.Collisions = len(corrs)
	d.log.WithField("collisions", len(corrs)).Info("checked for corrupted slices")

	for _, c := range corrs {
		if err := d.repairOne(ctx, c, corrs, &report); err != nil {
			if IsInterrupted(err) {
				return report, err
			}
			report.fail(err)
			d.log.WithError(err).WithFields(logrus.Fields{
				"receiver": c.Receiver, fieldLSI: c.ReceiverLSI, "donor": c.Donor,
			}).Error("slice repair failed")
		}
	}

	d.log.WithFields(logrus.Fields{
		"repaired": report.Repaired, "collisions": report.Collisions,
		"double": report.DoubleCorrupted, "skipped": report.Skipped, "failed": report.Failed,
	}).Info("redundancy repair finished")
	return report, nil
}

func (d *Device) repairOne(ctx context.Context, c SliceCorrelation, all []SliceCorrelation, report *RepairReport) error {
	log := d.log.WithFields(logrus.Fields{"receiver": c.Receiver, fieldLSI: c.ReceiverLSI, "donor": c.Donor})

	receiver, ok := d.Volume(c.Receiver)
	if !ok {
		report.Skipped++
		log.Warn("receiver volume detached, skipping")
		return nil
	}
	donor, ok := d.Volume(c.Donor)
	if !ok {
		report.Skipped++
		log.Warn("donor volume is not attached, skipping transfusion")
		return nil
	}
	if c.DonorLSI >= d.layout.TotalSlices {
		report.Skipped++
		log.Warn("donor slice is out of range, skipping transfusion")
		return nil
	}

	double := false
	for _, other := range all {
		if other.Receiver == c.Donor && other.ReceiverLSI == c.DonorLSI {
			double = true
			break
		}
	}

	if err := receiver.lockMaps(ctx); err != nil {
		return err
	}
	if cur := receiver.fmap[c.ReceiverLSI]; !cur.Valid || cur.PSI != c.PSI {
		receiver.unlockMaps()
		report.Skipped++
		log.Info("collision already resolved")
		return nil
	}
	receiver.discardLocked(c.ReceiverLSI, c.Other)
	psi, err := receiver.allocateLocked(c.ReceiverLSI)
	receiver.unlockMaps()
	if err != nil {
		return fmt.Errorf("reallocating lsi %d of %s: %w", c.ReceiverLSI, receiver.name, err)
	}
	log = log.WithField(fieldPSI, psi)

	if double {
		report.DoubleCorrupted++
		log.WithError(ErrDoubleCorruption).Warn("skipping transfusion")
		return nil
	}

	err = d.transfuse(ctx, donor, c.DonorLSI, receiver, c.ReceiverLSI)
	switch {
	case errors.Is(err, ErrUnmapped):
		report.Skipped++
		log.Warn("donor slice is unmapped, skipping transfusion")
		return nil
	case err != nil:
		return err
	}

	report.Repaired++
	log.Info("slice transfused")
	return nil
}

// transfuse re-encrypts every data block of the donor slice under the
// receiver's key and fresh IVs, writing it to the receiver slice. It holds
// the donor fmap lock, the receiver fmap lock and the rmap lock throughout.
func (d *Device) transfuse(ctx context.Context, donor *Volume, donorLSI uint32, receiver *Volume, receiverLSI uint32) error {
	if err := donor.fmapMu.Lock(ctx); err != nil {
		return err
	}
	defer donor.fmapMu.Unlock()
	if receiver != donor {
		if err := receiver.fmapMu.Lock(ctx); err != nil {
			return err
		}
		defer receiver.fmapMu.Unlock()
	}
	if err := d.alloc.Lock(ctx); err != nil {
		return err
	}
	defer d.alloc.Unlock()

	src, dst := donor.fmap[donorLSI], receiver.fmap[receiverLSI]
	if !src.Valid {
		return ErrUnmapped
	}
	if !dst.Valid {
		return NewCorruptionError(receiver.name, int64(receiverLSI), "receiver slice lost its mapping")
	}

	srcIVs, err := d.ivCache.Acquire(ctx, src.PSI, IntentRead)
	if err != nil {
		return err
	}
	defer srcIVs.Release()
	dstIVs, err := d.ivCache.Acquire(ctx, dst.PSI, IntentWrite)
	if err != nil {
		return err
	}
	defer dstIVs.Release()

	buf := make([]byte, SectorSize)
	iv := make([]byte, IVSize)
	for k := uint32(0); k < SliceBlocks; k++ {
		from := d.layout.DataSector(src.PSI, k)
		to := d.layout.DataSector(dst.PSI, k)

		if err := d.dev.ReadSector(from, buf); err != nil {
			return err
		}
		if err := donor.cipher.Decrypt(buf, buf, srcIVs.IV(k)); err != nil {
			return NewEncryptionError("decrypt", donor.name, int64(from), err)
		}
		if err := randomBytes(d.cfg.Rand, iv); err != nil {
			return err
		}
		dstIVs.SetIV(k, iv)
		if err := receiver.cipher.Encrypt(buf, buf, iv); err != nil {
			return NewEncryptionError("encrypt", receiver.name, int64(to), err)
		}
		if err := d.dev.WriteSector(to, buf); err != nil {
			return err
		}
	}
	return nil
}
