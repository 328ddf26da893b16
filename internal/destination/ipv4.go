package destination

// IPv4 header layout relative to the start of the IP header (offset
// etherHeaderLen in the captured frame). The offsets cover the fixed 20-byte
// header; if ihl > 5 the option bytes past offset 20 are copied through
// verbatim.
const (
	ipv4VerIHLOff   = 0
	ipv4TotalLenOff = 2
	ipv4TTLOff      = 8
	ipv4ProtoOff    = 9
	ipv4ChecksumOff = 10
	ipv4SrcOff      = 12
	ipv4DstOff      = 16
	ipv4MinHeaderLen = 20
)

func sendIPv4(dest *Record, frame []byte, computeUDPChecksum bool) error {
	if len(frame) < etherHeaderLen+ipv4MinHeaderLen {
		return nil
	}
	ip := frame[etherHeaderLen:]
	ihl := int(ip[ipv4VerIHLOff]&0x0f) * 4
	if ihl < ipv4MinHeaderLen {
		return nil
	}

	udpOff := etherHeaderLen + ihl
	if len(frame) < udpOff+udpHeaderLen {
		return nil
	}
	udp := frame[udpOff:]

	udpLen := int(udp[4])<<8 | int(udp[5])
	if udpOff+udpLen != len(frame) {
		return nil
	}

	iface := dest.Iface

	newIPHdr := make([]byte, ihl)
	copy(newIPHdr, ip[:ihl])
	newIPHdr[ipv4ChecksumOff] = 0
	newIPHdr[ipv4ChecksumOff+1] = 0
	copy(newIPHdr[ipv4SrcOff:ipv4SrcOff+4], iface.IPv4[:])
	copy(newIPHdr[ipv4DstOff:ipv4DstOff+4], dest.Addr)

	sum := checksum(newIPHdr)
	newIPHdr[ipv4ChecksumOff] = byte(sum >> 8)
	newIPHdr[ipv4ChecksumOff+1] = byte(sum)

	newUDPHdr := make([]byte, udpHeaderLen)
	// Port swap: the client's original destination port becomes the
	// forwarded packet's source port (spec.md §4.C "port swap rationale").
	newUDPHdr[0], newUDPHdr[1] = udp[2], udp[3]
	newUDPHdr[2] = byte(dest.Port >> 8)
	newUDPHdr[3] = byte(dest.Port)
	newUDPHdr[4], newUDPHdr[5] = udp[4], udp[5]
	newUDPHdr[6], newUDPHdr[7] = 0, 0

	payload := udp[udpHeaderLen:]

	var udpChecksum uint16
	if computeUDPChecksum {
		pseudo := []byte{
			iface.IPv4[0], iface.IPv4[1], iface.IPv4[2], iface.IPv4[3],
			dest.Addr[0], dest.Addr[1], dest.Addr[2], dest.Addr[3],
			0, protoUDP,
			udp[4], udp[5],
		}
		udpChecksum = checksum(pseudo, newUDPHdr, payload)
	}
	newUDPHdr[6] = byte(udpChecksum >> 8)
	newUDPHdr[7] = byte(udpChecksum)

	ethertype := []byte{0x08, 0x00}

	iov := [][]byte{
		dest.MAC[:],
		iface.MAC[:],
		ethertype,
		newIPHdr,
		newUDPHdr,
		payload,
	}

	return iface.TX.SendIOV(iov, sendTimeoutMS)
}
