package destination

import (
	"errors"
	"fmt"
)

// Family selects which IP version a Table and its Interfaces speak.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Mode selects how Process dispatches an accepted frame to the configured
// records.
type Mode int

const (
	LoadBalancer Mode = iota
	Broadcaster
)

const (
	etherHeaderLen = 14
	ipv6HeaderLen  = 40
	udpHeaderLen   = 8
	protoUDP       = 17

	sendTimeoutMS = 100
)

// ErrTooManyInterfaces is returned when Interfaces would exceed its cap.
var ErrTooManyInterfaces = errors.New("destination: too many interfaces")

// ErrUnknownInterface is returned when a destination names an ifindex that
// was never added.
var ErrUnknownInterface = errors.New("destination: unknown egress interface")

// ErrAddressLength is returned when an address does not match the table's
// family.
var ErrAddressLength = errors.New("destination: address length mismatch")

// MaxInterfaces is the per-worker egress interface cap, per spec.md §3.
const MaxInterfaces = 32

// Sender is the subset of *ring.Ring's TX surface a destination needs to
// emit a synthesized frame. Interface accepts this interface rather than a
// concrete ring so tests can substitute an in-memory fake, per spec.md §8's
// "driven by an in-memory ring mock" scenario methodology.
type Sender interface {
	SendIOV(iov [][]byte, timeoutMS int) error
	Close() error
}

// Interface is one egress NIC: its kernel ifindex, source addresses, and its
// owned TX ring.
type Interface struct {
	Index int
	MAC   [6]byte
	IPv4  [4]byte
	IPv6  [16]byte
	TX    Sender
}

// Record is one destination: its MAC/IP/port and the egress Interface it
// must be sent through. Iface points at the Interface value itself; the
// owning worker keeps its interfaces as a slice of pointers, so the pointer
// stays valid when that slice grows.
type Record struct {
	MAC   [6]byte
	Addr  []byte
	Port  uint16
	Iface *Interface
}

// Table is an append-only, growable set of destination Records for one IP
// family, dispatched by round-robin (load-balancer) or broadcast.
type Table struct {
	family  Family
	records []Record
	idx     int
	mode    Mode

	computeUDPChecksum bool
	onSendError        func(error)
}

// SetErrorHandler installs a callback invoked whenever a per-destination
// send fails. Failures are otherwise dropped silently, per spec.md §7
// ("no retry queues, no backpressure toward the sender").
func (t *Table) SetErrorHandler(fn func(error)) {
	t.onSendError = fn
}

// NewTable creates an empty destination table for the given family. The
// UDP checksum flag is the runtime equivalent of the original's
// CALCULATE_UDP_CHECKSUM compile-time toggle (SPEC_FULL.md §9/§12); it is
// only consulted for IPv4 — IPv6 UDP checksums are mandatory.
func NewTable(family Family, computeUDPChecksum bool) *Table {
	return &Table{family: family, computeUDPChecksum: computeUDPChecksum}
}

// Init sets the dispatch mode once, at construction; Process switches on
// the stored mode for each frame.
func (t *Table) Init(mode Mode) {
	t.mode = mode
}

// Len reports the number of destinations currently held.
func (t *Table) Len() int {
	return len(t.records)
}

// Add appends a destination. addr must be 4 bytes for an IPv4 table or 16
// bytes for an IPv6 table.
func (t *Table) Add(mac [6]byte, addr []byte, port uint16, iface *Interface) error {
	wantLen := 4
	if t.family == IPv6 {
		wantLen = 16
	}
	if len(addr) != wantLen {
		return fmt.Errorf("%w: want %d got %d", ErrAddressLength, wantLen, len(addr))
	}
	if len(t.records) == 0 {
		t.records = make([]Record, 0, 4)
	}
	cp := make([]byte, len(addr))
	copy(cp, addr)
	t.records = append(t.records, Record{MAC: mac, Addr: cp, Port: port, Iface: iface})
	return nil
}

// Process dispatches an accepted frame to one destination (load-balancer,
// round-robin) or to all destinations (broadcaster), synthesizing a new
// Ethernet/IP/UDP header per destination.
func (t *Table) Process(frame []byte) {
	if len(t.records) == 0 {
		return
	}
	switch t.mode {
	case Broadcaster:
		for i := range t.records {
			t.send(&t.records[i], frame)
		}
	default:
		t.send(&t.records[t.idx], frame)
		t.idx = (t.idx + 1) % len(t.records)
	}
}

func (t *Table) send(dest *Record, frame []byte) {
	var err error
	switch t.family {
	case IPv4:
		err = sendIPv4(dest, frame, t.computeUDPChecksum)
	case IPv6:
		err = sendIPv6(dest, frame)
	}
	if err != nil && t.onSendError != nil {
		t.onSendError(err)
	}
}
