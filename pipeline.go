package shufflefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Op is the direction of a Request
type Op uint8

const (
	// OpRead reads a block
	OpRead Op = iota
	// OpWrite writes a block
	OpWrite
)

// String returns the string representation of the op
func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Request is one asynchronous block I/O on a volume. Sector is a logical
// 512-byte sector aligned to SectorScale and Buf holds SectorSize bytes.
// A read fills Buf; a write never modifies it.
type Request struct {
	Op     Op
	Sector uint64
	Buf    []byte

	once sync.Once
	done chan struct{}
	err  error
}

// NewReadRequest creates a read of the block at sector into buf
func NewReadRequest(sector uint64, buf []byte) *Request {
	return &Request{Op: OpRead, Sector: sector, Buf: buf, done: make(chan struct{})}
}

// NewWriteRequest creates a write of buf to the block at sector
func NewWriteRequest(sector uint64, buf []byte) *Request {
	return &Request{Op: OpWrite, Sector: sector, Buf: buf, done: make(chan struct{})}
}

// complete finishes the request; only the first call has an effect
func (r *Request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the request has completed
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the result of a completed request
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the request completes. If ctx ends first Wait returns
// ErrInterrupted; the request keeps running and may still touch Buf.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s of sector %d: %v", ErrInterrupted, r.Op, r.Sector, ctx.Err())
	}
}

// Submit queues req on the device worker pool. Each request runs in two
// phases: the physical I/O, then a completion step that transforms the data
// and completes the request exactly once. ctx governs queueing and every
// wait the request makes while it runs.
func (v *Volume) Submit(ctx context.Context, req *Request) error {
	if req == nil {
		return NewValidationError("req", nil, "request cannot be nil")
	}
	if req.done == nil {
		return NewValidationError("req", req.Sector, "request must be created with NewReadRequest or NewWriteRequest")
	}
	if err := ValidateBuffer(req.Buf, "buf", SectorSize); err != nil {
		return err
	}
	if err := ValidateLogicalSector(req.Sector); err != nil {
		return err
	}
	if req.Sector >= v.Sectors() {
		return NewValidationError("sector", req.Sector, "beyond the end of the volume")
	}

	end, err := v.begin()
	if err != nil {
		return err
	}

	run := func() error { return v.serve(ctx, req) }
	done := func(err error) {
		req.complete(err)
		end()
	}
	if err := v.dev.pool.submit(ctx, run, done); err != nil {
		end()
		return err
	}
	return nil
}

func (v *Volume) serve(ctx context.Context, req *Request) error {
	switch req.Op {
	case OpRead:
		return v.withBlock(ctx, req.Sector, func() error {
			return v.readBlock(ctx, req.Sector, req.Buf)
		})
	case OpWrite:
		if err := v.withBlock(ctx, req.Sector, func() error {
			return v.writeBlock(ctx, req.Sector, req.Buf)
		}); err != nil {
			return err
		}
		return v.mirrorWrite(ctx, req.Sector, req.Buf)
	default:
		return NewValidationError("op", req.Op, "unknown request op")
	}
}

// withBlock runs fn holding the lock of the block at sector
func (v *Volume) withBlock(ctx context.Context, sector uint64, fn func() error) error {
	block := sector / SectorScale
	if err := v.blocks.Lock(ctx, block); err != nil {
		return err
	}
	defer v.blocks.Unlock(block)

	if err := v.keyMu.RLock(ctx); err != nil {
		return err
	}
	defer v.keyMu.RUnlock()
	return fn()
}

// mirrorWrite repeats a write on its redundant copy, if the device keeps one
func (v *Volume) mirrorWrite(ctx context.Context, sector uint64, buf []byte) error {
	target, mirror, ok := v.mirrorTarget(sector)
	if !ok {
		return nil
	}

	if target != v {
		end, err := target.begin()
		if err != nil {
			// sibling detached meanwhile
			return nil
		}
		defer end()
	}

	return target.withBlock(ctx, mirror, func() error {
		if err := target.writeBlock(ctx, mirror, buf); err != nil {
			return fmt.Errorf("mirroring to %s: %w", target.name, err)
		}
		return nil
	})
}

// readBlock reads the block at a logical sector. A block in an unmapped
// slice is zero-filled without touching the device.
func (v *Volume) readBlock(ctx context.Context, sector uint64, buf []byte) error {
	buf = buf[:SectorSize]

	loc, err := v.Remap(ctx, sector, IntentRead)
	if errors.Is(err, ErrUnmapped) {
		clear(buf)
		return nil
	}
	if err != nil {
		return err
	}

	if err := v.dev.dev.ReadSector(loc.Sector, buf); err != nil {
		return err
	}
	return v.decryptCompletion(ctx, loc, buf)
}

// decryptCompletion decrypts a block in place under the IV currently stored
// for it.
func (v *Volume) decryptCompletion(ctx context.Context, loc Location, buf []byte) error {
	ref, err := v.dev.ivCache.Acquire(ctx, loc.PSI, IntentRead)
	if err != nil {
		return err
	}
	iv := ref.IV(loc.Offset)
	if err := ref.Release(); err != nil {
		return err
	}

	if err := v.cipher.Decrypt(buf, buf, iv); err != nil {
		return NewEncryptionError("decrypt", v.name, int64(loc.Sector), err)
	}
	return nil
}

// writeBlock encrypts src under a fresh IV and writes it. src is left
// untouched.
func (v *Volume) writeBlock(ctx context.Context, sector uint64, src []byte) error {
	loc, err := v.Remap(ctx, sector, IntentWrite)
	if err != nil {
		return err
	}

	iv := make([]byte, IVSize)
	if err := randomBytes(v.dev.cfg.Rand, iv); err != nil {
		return err
	}
	if err := v.storeIV(ctx, loc, iv); err != nil {
		return err
	}

	dst := make([]byte, SectorSize)
	if err := v.cipher.Encrypt(dst, src[:SectorSize], iv); err != nil {
		return NewEncryptionError("encrypt", v.name, int64(loc.Sector), err)
	}
	return v.dev.dev.WriteSector(loc.Sector, dst)
}

func (v *Volume) storeIV(ctx context.Context, loc Location, iv []byte) error {
	ref, err := v.dev.ivCache.Acquire(ctx, loc.PSI, IntentWrite)
	if err != nil {
		return err
	}
	ref.SetIV(loc.Offset, iv)
	return ref.Release()
}
