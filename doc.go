// Package shufflefs provides plausible-deniability block storage: several
// independently keyed volumes share one backing device, and without the keys
// an observer cannot tell how many volumes exist or how much of the device
// they use.
//
// # Overview
//
// A device is divided into physical slices of 256 data blocks (1 MiB) plus
// one IV block. Each volume has a private position map from its logical
// slices to physical slices. Slices are claimed at random on first write,
// so the volumes' data is scattered across the device and indistinguishable
// from unused space.
//
// # Layout
//
// The device starts with MaxVolumes volume headers. Each header holds the
// volume's position map, encrypted under the volume key with IVs stored
// beside it. Physical slices follow:
//
//	[ header 0 | header 1 | ... | slice 0 | slice 1 | ... ]
//	slice = [ IV block | data block 0 | ... | data block 255 ]
//
// Every write samples a fresh IV for its block, so IVs are never reused
// under a key. IV blocks are kept in a reference-counted LRU cache and
// written back on eviction and when the device closes.
//
// # Basic Usage
//
//	fs, _ := memfs.NewFS()
//	reg, err := shufflefs.NewRegistry(shufflefs.FileSystemOpener(fs), nil)
//	if err != nil {
//	    panic(err)
//	}
//
//	vol, err := reg.Open(ctx, shufflefs.OpenOptions{
//	    Path:        "/disk.img",
//	    Index:       0,
//	    Create:      true,
//	    TotalSlices: 64,
//	    Key:         key, // 32 bytes
//	})
//	if err != nil {
//	    panic(err)
//	}
//
//	block := make([]byte, shufflefs.SectorSize)
//	copy(block, "hello")
//	vol.WriteSector(ctx, 0, block)
//	reg.Close(ctx, vol)
//
// Sectors are addressed in 512-byte units and must be aligned to a
// 4096-byte block. Reading a block that was never written returns zeros
// without touching the device.
//
// # Redundancy
//
// Volumes created at different times do not know about each other, so two
// of them may claim the same physical slice. With redundancy enabled every
// write is mirrored, either onto a sibling volume (RedundancyAmong: 1 and 2,
// 3 and 4, ...) or onto the neighbouring logical slice of the same volume
// (RedundancyWithin). When volume 0 is reopened, after the more secret
// volumes, the device scans all position maps for shared slices, moves the
// more secret volume of each pair to a fresh slice and refills it from the
// mirror ("slice transfusion"). Device.Repair runs the same pass on demand.
//
// # Key Rotation
//
// Volume.Rekey re-encrypts a volume's slices and position map under a new
// key, in place. The old key stops opening the volume once Rekey returns.
//
// # Security Considerations
//
// Protected Against:
//   - Disclosure of the number of volumes or of their sizes at rest
//   - IV reuse across writes
//
// Not Protected Against:
//   - Tampering: sector encryption is unauthenticated (CTR or ChaCha20)
//   - Observation of access patterns on a live system
//   - Loss of data in an unopened volume overwritten by an opened one
package shufflefs
