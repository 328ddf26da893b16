package filter

import (
	"errors"
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// MaxInstructions is the classic BPF program instruction budget.
const MaxInstructions = 255

// ErrProgramTooLarge is returned when compiling would exceed MaxInstructions.
var ErrProgramTooLarge = errors.New("filter: compiled program exceeds instruction budget")

const (
	etherHeaderLen  = 14 // struct ether_header
	etherTypeOffset = 12 // offsetof(ether_header, ether_type)

	ipHeaderLen       = 20 // sizeof(struct iphdr), no options
	ipProtocolOffset  = 9  // offsetof(iphdr, protocol)
	ipFragOffOffset   = 6  // offsetof(iphdr, frag_off)
	ipFragOffMask     = 0x3fff
	ethertypeIPv4     = 0x0800
	ethertypeIPv6     = 0x86dd
	ip6HeaderLen      = 40 // sizeof(struct ip6_hdr)
	ip6NextHdrOffset  = 6  // offsetof(ip6_hdr, ip6_nxt)
	udpHeaderLen      = 8  // sizeof(struct udphdr)
	udpDestPortOffset = 2  // offsetof(udphdr, dest)

	protoUDP = 17

	minLenIPv4 = etherHeaderLen + ipHeaderLen + udpHeaderLen
	minLenIPv6 = etherHeaderLen + ip6HeaderLen + udpHeaderLen

	acceptLen = 0x40000 // BPF_RET truncation length for accepted packets
)

// jmp records a not-yet-resolved branch: the instruction index that emitted
// it, and whether the true (jt) or false (jf) arm is the one to patch.
type jmp struct {
	idx int
	jt  bool
}

// compiler assembles a classic BPF program instruction by instruction, then
// back-patches every recorded branch offset once the target is known. This
// mirrors the original implementation's emission order exactly so the
// resulting program is identical byte for byte.
type compiler struct {
	prog     []bpf.RawInstruction
	accepts  []jmp
	ignores  []jmp
}

func (c *compiler) stmt(code uint16, k uint32) error {
	if len(c.prog) >= MaxInstructions {
		return ErrProgramTooLarge
	}
	c.prog = append(c.prog, bpf.RawInstruction{Op: code, K: k})
	return nil
}

func (c *compiler) jump(code uint16, k uint32, jt, jf uint8) error {
	if len(c.prog) >= MaxInstructions {
		return ErrProgramTooLarge
	}
	c.prog = append(c.prog, bpf.RawInstruction{Op: code, K: k, Jt: jt, Jf: jf})
	return nil
}

func (c *compiler) recordIgnore(jt bool) {
	c.ignores = append(c.ignores, jmp{idx: len(c.prog), jt: jt})
}

func (c *compiler) recordAccept(jt bool) {
	c.accepts = append(c.accepts, jmp{idx: len(c.prog), jt: jt})
}

func (c *compiler) emitPortRanges(ranges []Range) error {
	for _, r := range ranges {
		if r.From == r.To {
			c.recordAccept(true)
			if err := c.jump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, uint32(r.From), 0, 0); err != nil {
				return err
			}
			continue
		}

		if err := c.jump(unix.BPF_JMP+unix.BPF_JGE+unix.BPF_K, uint32(r.From), 0, 1); err != nil {
			return err
		}
		c.recordAccept(false)
		if err := c.jump(unix.BPF_JMP+unix.BPF_JGT+unix.BPF_K, uint32(r.To), 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds a classic BPF program that accepts UDP datagrams for the
// requested families and destination port ranges. If both ipv4 and ipv6 are
// false, both are enabled. ranges must already be canonicalized (Set.Add
// maintains this).
func Compile(ipv4, ipv6 bool, ranges []Range) (unix.SockFprog, error) {
	prog, err := compileProgram(ipv4, ipv6, ranges)
	if err != nil {
		return unix.SockFprog{}, err
	}
	return toSockFprog(prog)
}

// compileProgram builds the raw instruction sequence; split out from Compile
// so tests can run it through a BPF interpreter without going through the
// kernel's sock_fprog layout.
func compileProgram(ipv4, ipv6 bool, ranges []Range) ([]bpf.RawInstruction, error) {
	if !ipv4 && !ipv6 {
		ipv4, ipv6 = true, true
	}

	c := &compiler{}

	minlen := uint32(minLenIPv6)
	if ipv4 {
		minlen = minLenIPv4
	}

	// A <- packet length.
	if err := c.stmt(unix.BPF_LD+unix.BPF_W+unix.BPF_LEN, 0); err != nil {
		return nil, err
	}
	c.recordIgnore(false)
	if err := c.jump(unix.BPF_JMP+unix.BPF_JGE+unix.BPF_K, minlen, 0, 0); err != nil {
		return nil, err
	}

	// A <- ethertype.
	if err := c.stmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, etherTypeOffset); err != nil {
		return nil, err
	}

	next := 0
	if ipv6 {
		next = len(c.prog)
		if !ipv4 {
			// No ipv4 branch follows to fall through into on mismatch, so
			// this jump's Jf must be back-patched to the final ignore
			// label like every other ignore-on-mismatch check.
			c.recordIgnore(false)
		}
		if err := c.jump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, ethertypeIPv6, 0, 0); err != nil {
			return nil, err
		}

		if ipv4 {
			if err := c.stmt(unix.BPF_LD+unix.BPF_W+unix.BPF_LEN, 0); err != nil {
				return nil, err
			}
			c.recordIgnore(false)
			if err := c.jump(unix.BPF_JMP+unix.BPF_JGE+unix.BPF_K, minLenIPv6, 0, 0); err != nil {
				return nil, err
			}
		}

		if err := c.stmt(unix.BPF_LD+unix.BPF_B+unix.BPF_ABS, etherHeaderLen+ip6NextHdrOffset); err != nil {
			return nil, err
		}
		c.recordIgnore(false)
		if err := c.jump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, protoUDP, 0, 0); err != nil {
			return nil, err
		}

		if len(ranges) > 0 {
			if err := c.stmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, etherHeaderLen+ip6HeaderLen+udpDestPortOffset); err != nil {
				return nil, err
			}
			if err := c.emitPortRanges(ranges); err != nil {
				return nil, err
			}
			if err := c.stmt(unix.BPF_RET+unix.BPF_K, 0); err != nil {
				return nil, err
			}
		} else {
			if err := c.stmt(unix.BPF_RET+unix.BPF_K, acceptLen); err != nil {
				return nil, err
			}
		}
	}

	if ipv4 {
		if next != 0 {
			c.prog[next].Jf = uint8(len(c.prog) - next - 1)
		}

		c.recordIgnore(false)
		if err := c.jump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, ethertypeIPv4, 0, 0); err != nil {
			return nil, err
		}

		if err := c.stmt(unix.BPF_LD+unix.BPF_B+unix.BPF_ABS, etherHeaderLen+ipProtocolOffset); err != nil {
			return nil, err
		}
		c.recordIgnore(false)
		if err := c.jump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, protoUDP, 0, 0); err != nil {
			return nil, err
		}

		if err := c.stmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, etherHeaderLen+ipFragOffOffset); err != nil {
			return nil, err
		}
		c.recordIgnore(true)
		if err := c.jump(unix.BPF_JMP+unix.BPF_JSET+unix.BPF_K, ipFragOffMask, 0, 0); err != nil {
			return nil, err
		}

		if len(ranges) > 0 {
			if err := c.stmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, etherHeaderLen+ipHeaderLen+udpDestPortOffset); err != nil {
				return nil, err
			}
			if err := c.emitPortRanges(ranges); err != nil {
				return nil, err
			}
		} else {
			if err := c.stmt(unix.BPF_RET+unix.BPF_K, acceptLen); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range c.ignores {
		off := uint8(len(c.prog) - p.idx - 1)
		if p.jt {
			c.prog[p.idx].Jt = off
		} else {
			c.prog[p.idx].Jf = off
		}
	}

	if err := c.stmt(unix.BPF_RET+unix.BPF_K, 0); err != nil {
		return nil, err
	}

	for _, p := range c.accepts {
		off := uint8(len(c.prog) - p.idx - 1)
		if p.jt {
			c.prog[p.idx].Jt = off
		} else {
			c.prog[p.idx].Jf = off
		}
	}

	if err := c.stmt(unix.BPF_RET+unix.BPF_K, acceptLen); err != nil {
		return nil, err
	}

	return c.prog, nil
}

// toSockFprog converts assembled BPF instructions into the kernel's
// sock_fprog layout for SO_ATTACH_FILTER.
func toSockFprog(prog []bpf.RawInstruction) (unix.SockFprog, error) {
	if len(prog) == 0 || len(prog) > MaxInstructions {
		return unix.SockFprog{}, fmt.Errorf("filter: invalid program length %d", len(prog))
	}

	filters := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filters[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}

	return unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}, nil
}
