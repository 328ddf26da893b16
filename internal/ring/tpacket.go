package ring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxBatch = 1024

func (r *Ring) recvV1V2() (bool, error) {
	frame := r.rxSlots[r.rxCursor]

	var status uint32
	var mac, snaplen uint32

	if r.version == V1 {
		hdr := (*unix.TpacketHdr)(unsafe.Pointer(&frame[0]))
		status = uint32(atomic.LoadUint64(&hdr.Status))
		mac, snaplen = uint32(hdr.Mac), hdr.Snaplen
	} else {
		hdr := (*unix.Tpacket2Hdr)(unsafe.Pointer(&frame[0]))
		status = atomic.LoadUint32(&hdr.Status)
		mac, snaplen = uint32(hdr.Mac), hdr.Snaplen
	}

	if status&unix.TP_STATUS_USER == 0 {
		return false, nil
	}

	fence()
	if r.onFrame != nil {
		r.onFrame(frame[mac : mac+snaplen])
	}
	fence()

	if r.version == V1 {
		hdr := (*unix.TpacketHdr)(unsafe.Pointer(&frame[0]))
		atomic.StoreUint64(&hdr.Status, unix.TP_STATUS_KERNEL)
	} else {
		hdr := (*unix.Tpacket2Hdr)(unsafe.Pointer(&frame[0]))
		atomic.StoreUint32(&hdr.Status, unix.TP_STATUS_KERNEL)
	}

	r.rxCursor = (r.rxCursor + 1) % uint32(len(r.rxSlots))
	return true, nil
}

// recvV3 walks one TPACKET_V3 block: the per-block descriptor carries a
// status word and a packet count; packets within the block are chained via
// tp_next_offset starting at offset_to_first_pkt. Batches of up to maxBatch
// frames are flushed to onBatch as they fill, and always at end of block.
func (r *Ring) recvV3() (bool, error) {
	block := r.rxSlots[r.rxCursor]
	bd := (*unix.TpacketBlockDesc)(unsafe.Pointer(&block[0]))
	hv1 := (*unix.TpacketHdrV1)(unsafe.Pointer(&bd.Hdr[0]))

	status := atomic.LoadUint32(&hv1.Block_status)
	if status&unix.TP_STATUS_USER == 0 {
		return false, nil
	}
	fence()

	batch := make([][]byte, 0, maxBatch)
	flush := func() {
		if len(batch) > 0 && r.onBatch != nil {
			r.onBatch(batch)
		}
		batch = batch[:0]
	}

	pktOffset := hv1.Offset_to_first_pkt
	for i := uint32(0); i < hv1.Num_pkts; i++ {
		entry := block[pktOffset:]
		ph := (*unix.Tpacket3Hdr)(unsafe.Pointer(&entry[0]))

		payload := entry[ph.Mac : ph.Mac+uint16(ph.Snaplen)]
		batch = append(batch, payload)
		if len(batch) == maxBatch {
			flush()
		}

		if ph.Next_offset == 0 {
			break
		}
		pktOffset += ph.Next_offset
	}
	flush()

	fence()
	atomic.StoreUint32(&hv1.Block_status, unix.TP_STATUS_KERNEL)

	r.rxCursor = (r.rxCursor + 1) % uint32(len(r.rxSlots))
	return true, nil
}

// sendOnce writes iov concatenated into the next free TX slot. Slots are
// framed as tpacket_hdr for a V1 ring and tpacket2_hdr for a V2 ring (V3
// never reaches here per New's precondition).
func (r *Ring) sendOnce(iov [][]byte) error {
	frame := r.txSlots[r.txCursor]

	total := 0
	for _, b := range iov {
		total += len(b)
	}

	if r.version == V1 {
		hdr := (*unix.TpacketHdr)(unsafe.Pointer(&frame[0]))
		status := atomic.LoadUint64(&hdr.Status)
		if status&(unix.TP_STATUS_SEND_REQUEST|unix.TP_STATUS_SENDING) != 0 {
			return ErrSlotBusy
		}

		off := int(v1PayloadOffset)
		writeGather(frame[off:], iov)
		hdr.Len = uint32(total)
		hdr.Snaplen = uint32(total)

		fence()
		atomic.StoreUint64(&hdr.Status, unix.TP_STATUS_SEND_REQUEST)
	} else {
		hdr := (*unix.Tpacket2Hdr)(unsafe.Pointer(&frame[0]))
		status := atomic.LoadUint32(&hdr.Status)
		if status&(unix.TP_STATUS_SEND_REQUEST|unix.TP_STATUS_SENDING) != 0 {
			return ErrSlotBusy
		}

		off := int(v2PayloadOffset)
		writeGather(frame[off:], iov)
		hdr.Len = uint32(total)
		hdr.Snaplen = uint32(total)

		fence()
		atomic.StoreUint32(&hdr.Status, unix.TP_STATUS_SEND_REQUEST)
	}

	r.txCursor = (r.txCursor + 1) % uint32(len(r.txSlots))
	return nil
}

func writeGather(dst []byte, iov [][]byte) {
	n := 0
	for _, b := range iov {
		n += copy(dst[n:], b)
	}
}

func waitReadable(fd, timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func waitWritable(fd, timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLOUT != 0, nil
}
