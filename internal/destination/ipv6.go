package destination

// IPv6 header layout relative to the start of the IP header. Extension
// headers are never traversed — only the fixed 40-byte header is
// recognized, per spec.md §1 Non-goals.
const (
	ipv6NextHdrOff = 6
	ipv6SrcOff     = 8
	ipv6DstOff     = 24
)

func sendIPv6(dest *Record, frame []byte) error {
	udpOff := etherHeaderLen + ipv6HeaderLen
	if len(frame) < udpOff+udpHeaderLen {
		return nil
	}
	ip6 := frame[etherHeaderLen : etherHeaderLen+ipv6HeaderLen]

	udp := frame[udpOff:]
	udpLen := int(udp[4])<<8 | int(udp[5])
	if udpOff+udpLen != len(frame) {
		return nil
	}

	iface := dest.Iface

	// ver/tc/flowlabel, payload length, next header, hop limit — carried
	// through unchanged, same as the original's TTL/flow handling.
	ip6Prefix := make([]byte, ipv6SrcOff)
	copy(ip6Prefix, ip6[:ipv6SrcOff])

	newUDPHdr := make([]byte, udpHeaderLen)
	// Port swap, as in IPv4: the original destination port becomes the
	// forwarded source port (spec.md §4.C).
	newUDPHdr[0], newUDPHdr[1] = udp[2], udp[3]
	newUDPHdr[2] = byte(dest.Port >> 8)
	newUDPHdr[3] = byte(dest.Port)
	newUDPHdr[4], newUDPHdr[5] = udp[4], udp[5]
	newUDPHdr[6], newUDPHdr[7] = 0, 0

	payload := udp[udpHeaderLen:]

	// Pseudo-header: src addr, dst addr, udp_len (32-bit), 3 zero bytes,
	// next header (IPPROTO_UDP). UDP checksum is mandatory for IPv6.
	pseudo := make([]byte, 16+16+4+4)
	copy(pseudo[0:16], iface.IPv6[:])
	copy(pseudo[16:32], dest.Addr)
	pseudo[32] = byte(udpLen >> 24)
	pseudo[33] = byte(udpLen >> 16)
	pseudo[34] = byte(udpLen >> 8)
	pseudo[35] = byte(udpLen)
	pseudo[39] = protoUDP

	sum := checksum(pseudo, newUDPHdr, payload)
	newUDPHdr[6] = byte(sum >> 8)
	newUDPHdr[7] = byte(sum)

	ethertype := []byte{0x86, 0xdd}

	iov := [][]byte{
		dest.MAC[:],
		iface.MAC[:],
		ethertype,
		ip6Prefix,
		iface.IPv6[:],
		dest.Addr,
		newUDPHdr,
		payload,
	}

	return iface.TX.SendIOV(iov, sendTimeoutMS)
}
