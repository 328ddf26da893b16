package filter

import (
	"encoding/binary"
	"testing"

	"golang.org/x/net/bpf"
)

// instructions disassembles compileProgram's raw output into typed
// bpf.Instructions for bpf.NewVM. NewVM type-switches on the concrete
// instruction types (it requires the program to end in RetA/RetConstant,
// not a bare RawInstruction), so feeding it RawInstructions directly would
// always fail construction regardless of what was actually compiled.
func instructions(t *testing.T, raw []bpf.RawInstruction) []bpf.Instruction {
	t.Helper()
	out, ok := bpf.Disassemble(raw)
	if !ok {
		t.Fatalf("bpf.Disassemble: could not decode every instruction: %v", out)
	}
	return out
}

func runVM(t *testing.T, ipv4, ipv6 bool, ranges []Range, frame []byte) int {
	t.Helper()
	raw, err := compileProgram(ipv4, ipv6, ranges)
	if err != nil {
		t.Fatalf("compileProgram: %v", err)
	}
	vm, err := bpf.NewVM(instructions(t, raw))
	if err != nil {
		t.Fatalf("bpf.NewVM: %v", err)
	}
	n, err := vm.Run(frame)
	if err != nil {
		t.Fatalf("vm.Run: %v", err)
	}
	return n
}

// ipv4UDPFrame builds a minimal Ethernet+IPv4+UDP frame, no options, no
// fragmentation, with the given destination port and payload length.
func ipv4UDPFrame(destPort uint16, payloadLen int, fragOff uint16) []byte {
	udpLen := udpHeaderLen + payloadLen
	ipLen := ipHeaderLen + udpLen
	frame := make([]byte, etherHeaderLen+ipLen)

	binary.BigEndian.PutUint16(frame[etherTypeOffset:], ethertypeIPv4)

	ip := frame[etherHeaderLen:]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen))
	binary.BigEndian.PutUint16(ip[ipFragOffOffset:], fragOff)
	ip[ipProtocolOffset] = protoUDP

	udp := ip[ipHeaderLen:]
	binary.BigEndian.PutUint16(udp[udpDestPortOffset:], destPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen))

	return frame
}

// ipv6UDPFrame builds a minimal Ethernet+IPv6+UDP frame with the given
// destination port and payload length, no extension headers.
func ipv6UDPFrame(destPort uint16, payloadLen int) []byte {
	udpLen := udpHeaderLen + payloadLen
	frame := make([]byte, etherHeaderLen+ip6HeaderLen+udpLen)

	binary.BigEndian.PutUint16(frame[etherTypeOffset:], ethertypeIPv6)

	ip6 := frame[etherHeaderLen:]
	ip6[0] = 0x60 // version 6
	ip6[ip6NextHdrOffset] = protoUDP

	udp := ip6[ip6HeaderLen:]
	binary.BigEndian.PutUint16(udp[udpDestPortOffset:], destPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen))

	return frame
}

func TestFilterAcceptsIPv4UDPNoRanges(t *testing.T) {
	// invariant 2: with no port ranges configured, every UDP datagram of the
	// enabled families is accepted.
	frame := ipv4UDPFrame(5353, 10, 0)
	if n := runVM(t, true, true, nil, frame); n == 0 {
		t.Fatalf("expected accept, got ignore (n=%d)", n)
	}
}

func TestFilterAcceptsIPv6UDPNoRanges(t *testing.T) {
	frame := ipv6UDPFrame(5353, 10)
	if n := runVM(t, true, true, nil, frame); n == 0 {
		t.Fatalf("expected accept, got ignore (n=%d)", n)
	}
}

func TestFilterDropsNonUDPIPv4(t *testing.T) {
	frame := ipv4UDPFrame(5353, 10, 0)
	frame[etherHeaderLen+ipProtocolOffset] = 6 // TCP
	if n := runVM(t, true, true, nil, frame); n != 0 {
		t.Fatalf("expected ignore for non-UDP protocol, got accept (n=%d)", n)
	}
}

func TestFilterDropsFragmentedIPv4(t *testing.T) {
	// scenario S3: a fragmented UDP datagram (frag_off = 0x2000, the MF bit)
	// must be ignored — header synthesis cannot reconstruct a full datagram
	// from one fragment.
	frame := ipv4UDPFrame(5353, 10, 0x2000)
	if n := runVM(t, true, true, nil, frame); n != 0 {
		t.Fatalf("expected ignore for fragmented datagram, got accept (n=%d)", n)
	}
}

func TestFilterAcceptsIPv4DontFragment(t *testing.T) {
	// The DF bit (0x4000) must not be confused with an actual fragment: only
	// the 13-bit fragment-offset field and MF bit (mask 0x1fff | 0x2000)
	// matter, not DF (0x4000). ipFragOffMask covers all of the low 14 bits
	// except reserved, so DF-only (0x4000) must NOT trip the ignore branch.
	frame := ipv4UDPFrame(5353, 10, 0x4000)
	if n := runVM(t, true, true, nil, frame); n == 0 {
		t.Fatalf("expected accept for DF-only packet, got ignore (n=%d)", n)
	}
}

func TestFilterPortRangeAccept(t *testing.T) {
	// scenario S4: with a configured port range, a UDP datagram whose
	// destination port falls inside the range is accepted.
	var ranges Set
	must(t, ranges.Add(5000, 5100))

	frame := ipv4UDPFrame(5050, 10, 0)
	if n := runVM(t, true, true, ranges.Ranges(), frame); n == 0 {
		t.Fatalf("expected accept for in-range port, got ignore (n=%d)", n)
	}
}

func TestFilterPortRangeReject(t *testing.T) {
	var ranges Set
	must(t, ranges.Add(5000, 5100))

	frame := ipv4UDPFrame(6000, 10, 0)
	if n := runVM(t, true, true, ranges.Ranges(), frame); n != 0 {
		t.Fatalf("expected ignore for out-of-range port, got accept (n=%d)", n)
	}
}

func TestFilterPortRangeBoundaries(t *testing.T) {
	var ranges Set
	must(t, ranges.Add(5000, 5100))

	for _, port := range []uint16{5000, 5100} {
		frame := ipv4UDPFrame(port, 10, 0)
		if n := runVM(t, true, true, ranges.Ranges(), frame); n == 0 {
			t.Fatalf("port %d: expected accept at range boundary, got ignore", port)
		}
	}
	for _, port := range []uint16{4999, 5101} {
		frame := ipv4UDPFrame(port, 10, 0)
		if n := runVM(t, true, true, ranges.Ranges(), frame); n != 0 {
			t.Fatalf("port %d: expected ignore just outside range boundary, got accept", port)
		}
	}
}

func TestFilterSinglePortRange(t *testing.T) {
	var ranges Set
	must(t, ranges.Add(5353, 5353))

	accept := ipv4UDPFrame(5353, 10, 0)
	if n := runVM(t, true, true, ranges.Ranges(), accept); n == 0 {
		t.Fatal("expected accept for exact single-port match")
	}
	reject := ipv4UDPFrame(5354, 10, 0)
	if n := runVM(t, true, true, ranges.Ranges(), reject); n != 0 {
		t.Fatal("expected ignore for single-port mismatch")
	}
}

func TestFilterIPv6PortRange(t *testing.T) {
	var ranges Set
	must(t, ranges.Add(5000, 5100))

	accept := ipv6UDPFrame(5050, 10)
	if n := runVM(t, true, true, ranges.Ranges(), accept); n == 0 {
		t.Fatal("expected accept for IPv6 in-range port")
	}
	reject := ipv6UDPFrame(6000, 10)
	if n := runVM(t, true, true, ranges.Ranges(), reject); n != 0 {
		t.Fatal("expected ignore for IPv6 out-of-range port")
	}
}

func TestFilterIPv4OnlyIgnoresIPv6(t *testing.T) {
	frame := ipv6UDPFrame(5353, 10)
	if n := runVM(t, false, true, nil, frame); n == 0 {
		t.Fatal("sanity: ipv6=true should accept")
	}
	if n := runVM(t, true, false, nil, frame); n != 0 {
		t.Fatalf("ipv4-only filter should ignore an IPv6 frame, got accept (n=%d)", n)
	}
}

func TestFilterTruncatedFrameIgnored(t *testing.T) {
	frame := ipv4UDPFrame(5353, 10, 0)
	short := frame[:minLenIPv4-1]
	if n := runVM(t, true, true, nil, short); n != 0 {
		t.Fatalf("expected ignore for undersized frame, got accept (n=%d)", n)
	}
}

func TestFilterMultipleRangesDisjoint(t *testing.T) {
	var ranges Set
	must(t, ranges.Add(1000, 1010))
	must(t, ranges.Add(2000, 2010))

	for _, tc := range []struct {
		port   uint16
		accept bool
	}{
		{1005, true},
		{2005, true},
		{1500, false},
		{3000, false},
	} {
		frame := ipv4UDPFrame(tc.port, 10, 0)
		n := runVM(t, true, true, ranges.Ranges(), frame)
		if tc.accept && n == 0 {
			t.Errorf("port %d: expected accept, got ignore", tc.port)
		}
		if !tc.accept && n != 0 {
			t.Errorf("port %d: expected ignore, got accept", tc.port)
		}
	}
}
