package ring

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"
)

const (
	// MinSize is the smallest ring byte size accepted by New.
	MinSize = 1 << 20 // 1 MiB

	// DefaultSize is used when a caller does not override the ring size.
	DefaultSize = 256 << 20 // 256 MiB

	// tpacketAlignment mirrors the kernel's TPACKET_ALIGNMENT.
	tpacketAlignment = unix.TPACKET_ALIGNMENT

	// slotSize is the v1/v2 frame size (and also the unit the v1/v2 slot
	// count is derived from): 128 aligned units.
	slotSize = 128 * tpacketAlignment

	// blockRetireTimeoutMS is the v3 block retire timeout, per spec.md §4.A.
	blockRetireTimeoutMS = 64

	// tpFtReqFillRxhash requests per-packet RX hash population in v3
	// blocks (TP_FT_REQ_FILL_RXHASH in linux/if_packet.h).
	tpFtReqFillRxhash = 0x1
)

// MaxSize is the largest ring byte size accepted by New: 16 GiB on 64-bit
// platforms, 1 GiB on 32-bit, per spec.md §3.
func MaxSize() uint64 {
	if bits.UintSize == 64 {
		return 16 << 30
	}
	return 1 << 30
}

// geometry is the resolved block/slot layout for a ring of a given version
// and requested byte size.
type geometry struct {
	blockSize      uint32
	blockCount     uint32
	effectiveBytes uint64
	slotSize       uint32
	slotCount      uint32
}

// computeGeometry derives block/slot counts from a requested ring size,
// following spec.md §4.A exactly: block size is 4 pages, block count is the
// requested size truncated to a whole number of blocks, and the v1/v2 slot
// count is the effective (block-truncated) byte count divided by the fixed
// 128-aligned frame size; v3 uses one slot per block.
func computeGeometry(version Version, requestedBytes uint64) (geometry, error) {
	if requestedBytes < MinSize || requestedBytes > MaxSize() {
		return geometry{}, fmt.Errorf("ring: size %d out of range [%d, %d]", requestedBytes, uint64(MinSize), MaxSize())
	}

	pageSize := uint32(unix.Getpagesize())
	blockSize := pageSize * 4

	blockCount := uint32(requestedBytes / uint64(blockSize))
	if blockCount == 0 {
		blockCount = 1
	}
	effectiveBytes := uint64(blockCount) * uint64(blockSize)

	g := geometry{
		blockSize:      blockSize,
		blockCount:     blockCount,
		effectiveBytes: effectiveBytes,
	}

	switch version {
	case V3:
		g.slotSize = blockSize
		g.slotCount = blockCount
	default:
		g.slotSize = slotSize
		g.slotCount = uint32(effectiveBytes / uint64(slotSize))
		if g.slotCount == 0 {
			return geometry{}, fmt.Errorf("ring: effective size %d too small for frame size %d", effectiveBytes, slotSize)
		}
	}

	return g, nil
}
