package ring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

func newRawSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func bindInterface(fd, ifindex int) error {
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifindex,
	}
	return unix.Bind(fd, sa)
}

// requestRing issues PACKET_RX_RING or PACKET_TX_RING for the given
// geometry, using tpacket_req for v1/v2 and tpacket_req3 for v3, per
// spec.md §4.A.
func requestRing(fd int, version Version, g geometry, opt int) error {
	if version == V3 {
		req := unix.TpacketReq3{
			Block_size:       g.blockSize,
			Block_nr:         g.blockCount,
			Frame_size:       g.slotSize,
			Frame_nr:         g.slotCount,
			Retire_blk_tov:   blockRetireTimeoutMS,
			Sizeof_priv:      0,
			Feature_req_word: tpFtReqFillRxhash,
		}
		return unix.SetsockoptTpacketReq3(fd, unix.SOL_PACKET, opt, &req)
	}

	req := unix.TpacketReq{
		Block_size: g.blockSize,
		Block_nr:   g.blockCount,
		Frame_size: g.slotSize,
		Frame_nr:   g.slotCount,
	}
	return unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, opt, &req)
}

// tpAlign rounds n up to the kernel's TPACKET_ALIGNMENT boundary.
func tpAlign(n uintptr) uintptr {
	const a = tpacketAlignment
	return (n + a - 1) &^ (a - 1)
}

var (
	v1PayloadOffset = tpAlign(unsafe.Sizeof(unix.TpacketHdr{}))
	v2PayloadOffset = tpAlign(unsafe.Sizeof(unix.Tpacket2Hdr{}))
)
