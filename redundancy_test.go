package shufflefs

import (
	"bytes"
	"context"
	"testing"
)

func TestDonorFor(t *testing.T) {
	tests := []struct {
		mode      RedundancyMode
		receiver  int
		lsi       uint32
		donor     int
		donorLSI  uint32
		hasDonor  bool
	}{
		{RedundancyAmong, 1, 4, 2, 4, true},
		{RedundancyAmong, 2, 4, 1, 4, true},
		{RedundancyAmong, 5, 0, 6, 0, true},
		{RedundancyWithin, 3, 6, 3, 7, true},
		{RedundancyWithin, 3, 7, 3, 6, true},
		{RedundancyNone, 1, 4, 0, 0, false},
	}

	for _, tt := range tests {
		donor, donorLSI, ok := donorFor(tt.mode, tt.receiver, tt.lsi)
		if donor != tt.donor || donorLSI != tt.donorLSI || ok != tt.hasDonor {
			t.Errorf("donorFor(%s, %d, %d) = %d, %d, %v; want %d, %d, %v",
				tt.mode, tt.receiver, tt.lsi, donor, donorLSI, ok, tt.donor, tt.donorLSI, tt.hasDonor)
		}
	}
}

// clobber makes v0 map psi at lsi and write over its first block, the way a
// less secret volume opened alone overwrites a hidden volume's slice.
func clobber(t *testing.T, v0 *Volume, lsi uint32, psi PSI) {
	t.Helper()
	forceMapping(t, v0, lsi, psi)
	writeBlock(t, v0, lsiSector(lsi), pattern(0xee))
}

func TestRepair_Among(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	opts := func(i int) OpenOptions {
		return OpenOptions{Index: i, Create: true, TotalSlices: 16, Redundancy: RedundancyAmong}
	}
	v0 := openTestVolume(t, reg, opts(0))
	v1 := openTestVolume(t, reg, opts(1))
	v2 := openTestVolume(t, reg, opts(2))
	defer reg.CloseAll(ctx)

	for blk := uint64(0); blk < 3; blk++ {
		writeBlock(t, v1, blk*SectorScale, pattern(byte(blk)))
	}
	lost := mappingOf(t, v1, 0).PSI
	clobber(t, v0, 9, lost)

	if got := readBlock(t, v1, 0); bytes.Equal(got, pattern(0)) {
		t.Fatal("clobbered block still reads correctly")
	}

	corrs, err := v0.Device().ScanCollisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := SliceCorrelation{PSI: lost, Other: 0, OtherLSI: 9, Receiver: 1, ReceiverLSI: 0, Donor: 2, DonorLSI: 0}
	if len(corrs) != 1 || corrs[0] != want {
		t.Fatalf("ScanCollisions() = %+v, want [%+v]", corrs, want)
	}

	report, err := v0.Device().Repair(ctx)
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if report.Collisions != 1 || report.Repaired != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	fresh := mappingOf(t, v1, 0)
	if !fresh.Valid || fresh.PSI == lost || fresh.PSI == mappingOf(t, v2, 0).PSI {
		t.Errorf("receiver mapping %+v, want a fresh slice", fresh)
	}
	for blk := uint64(0); blk < 3; blk++ {
		if got := readBlock(t, v1, blk*SectorScale); !bytes.Equal(got, pattern(byte(blk))) {
			t.Errorf("block %d not restored from the mirror", blk)
		}
	}
	if got := readBlock(t, v0, lsiSector(9)); !bytes.Equal(got, pattern(0xee)) {
		t.Error("repair damaged the lower volume")
	}

	alloc := v0.Device().Allocator()
	if owner, _ := alloc.Owner(lost); owner != 0 {
		t.Errorf("owner of the contested slice = %d, want 0", owner)
	}
	if owner, _ := alloc.Owner(fresh.PSI); owner != 1 {
		t.Errorf("owner of the fresh slice = %d, want 1", owner)
	}

	// A second pass finds nothing.
	if corrs, _ := v0.Device().ScanCollisions(ctx); len(corrs) != 0 {
		t.Errorf("collisions after repair: %+v", corrs)
	}
}

func TestRepair_Within(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	v0 := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 8, Redundancy: RedundancyWithin})
	v1 := openTestVolume(t, reg, OpenOptions{Index: 1, Create: true, TotalSlices: 8, Redundancy: RedundancyWithin})
	defer reg.CloseAll(ctx)

	writeBlock(t, v1, lsiSector(2)+SectorScale, pattern(5))
	clobber(t, v0, 4, mappingOf(t, v1, 2).PSI)

	report, err := v1.Device().Repair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Repaired != 1 || report.Mode != RedundancyWithin {
		t.Fatalf("report = %+v", report)
	}
	if got := readBlock(t, v1, lsiSector(2)+SectorScale); !bytes.Equal(got, pattern(5)) {
		t.Error("slice not restored from its neighbour")
	}
}

func TestRepair_DoubleCorruption(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	opts := func(i int) OpenOptions {
		return OpenOptions{Index: i, Create: true, TotalSlices: 16, Redundancy: RedundancyAmong}
	}
	v0 := openTestVolume(t, reg, opts(0))
	v1 := openTestVolume(t, reg, opts(1))
	v2 := openTestVolume(t, reg, opts(2))
	defer reg.CloseAll(ctx)

	writeBlock(t, v1, 0, pattern(1))
	a, b := mappingOf(t, v1, 0).PSI, mappingOf(t, v2, 0).PSI
	clobber(t, v0, 5, a)
	clobber(t, v0, 6, b)

	report, err := v0.Device().Repair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Collisions != 2 || report.DoubleCorrupted != 2 || report.Repaired != 0 {
		t.Fatalf("report = %+v", report)
	}

	na, nb := mappingOf(t, v1, 0), mappingOf(t, v2, 0)
	if !na.Valid || !nb.Valid || na.PSI == a || nb.PSI == b || na.PSI == nb.PSI {
		t.Errorf("receivers not moved to distinct fresh slices: %+v %+v", na, nb)
	}
}

func TestRepair_SkipsMissingDonor(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	v0 := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 8, Redundancy: RedundancyAmong})
	v1 := openTestVolume(t, reg, OpenOptions{Index: 1, Create: true, TotalSlices: 8, Redundancy: RedundancyAmong})
	defer reg.CloseAll(ctx)

	writeBlock(t, v1, 0, pattern(1))
	shared := mappingOf(t, v1, 0).PSI
	clobber(t, v0, 3, shared)

	report, err := v0.Device().Repair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Collisions != 1 || report.Skipped != 1 || report.Repaired != 0 {
		t.Fatalf("report = %+v", report)
	}
	if got := mappingOf(t, v1, 0); got.PSI != shared {
		t.Errorf("receiver remapped without a donor: %+v", got)
	}
}

func TestRepair_NoneIsNoop(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	v0 := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 4})
	v1 := openTestVolume(t, reg, OpenOptions{Index: 1, Create: true, TotalSlices: 4})
	defer reg.CloseAll(ctx)

	writeBlock(t, v1, 0, pattern(1))
	forceMapping(t, v0, 0, mappingOf(t, v1, 0).PSI)

	report, err := v0.Device().Repair(ctx)
	if err != nil || report.Collisions != 0 || report.Mode != RedundancyNone {
		t.Errorf("Repair() = %+v, %v; want empty report", report, err)
	}
}

func TestRepair_RunsWhenVolumeZeroReopens(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)
	opts := func(i int, create bool) OpenOptions {
		return OpenOptions{Index: i, Create: create, TotalSlices: 16, Redundancy: RedundancyAmong}
	}
	v0 := openTestVolume(t, reg, opts(0, true))
	v1 := openTestVolume(t, reg, opts(1, true))
	openTestVolume(t, reg, opts(2, true))

	writeBlock(t, v1, lsiSector(4), pattern(8))
	lost := mappingOf(t, v1, 4).PSI
	clobber(t, v0, 1, lost)

	if err := reg.CloseAll(ctx); err != nil {
		t.Fatal(err)
	}

	// Usual order: most secret first, volume 0 last.
	openTestVolume(t, reg, opts(2, false))
	v1 = openTestVolume(t, reg, opts(1, false))
	if got := mappingOf(t, v1, 4); got.PSI != lost {
		t.Fatalf("lsi 4 = %+v before volume 0 reopens, want psi %d", got, lost)
	}
	v0 = openTestVolume(t, reg, opts(0, false))
	defer reg.CloseAll(ctx)

	if got := mappingOf(t, v1, 4); got.PSI == lost {
		t.Error("reopening volume 0 did not repair the collision")
	}
	if got := readBlock(t, v1, lsiSector(4)); !bytes.Equal(got, pattern(8)) {
		t.Error("hidden volume data not restored")
	}
	if got := readBlock(t, v0, lsiSector(1)); !bytes.Equal(got, pattern(0xee)) {
		t.Error("volume 0 data changed")
	}
}
