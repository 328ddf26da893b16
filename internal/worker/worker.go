// Package worker implements one fanout-group member: an RX ring, up to 32
// egress interfaces with their own TX rings, two destination tables, and a
// single polling goroutine. Grounded on original_source/net/worker.{h,cpp}.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mojo333/udp-fanout/internal/destination"
	"github.com/mojo333/udp-fanout/internal/logger"
	"github.com/mojo333/udp-fanout/internal/ring"
)

const etherHeaderLen = 14

// ErrTooManyInterfaces mirrors destination.ErrTooManyInterfaces for callers
// that only import this package.
var ErrTooManyInterfaces = destination.ErrTooManyInterfaces

// ErrUnknownInterface is returned by AddDestination when ifindex was never
// registered via AddInterface.
var ErrUnknownInterface = errors.New("worker: unknown egress interface")

// ErrBadAddressLength is returned by AddDestination for an address that is
// neither 4 nor 16 bytes.
var ErrBadAddressLength = errors.New("worker: address must be 4 or 16 bytes")

// Options configures a new Worker.
type Options struct {
	Mode destination.Mode

	RXIfindex int
	RXSize    uint64
	Filter    *unix.SockFprog
	FanoutID  uint16

	ComputeUDPChecksum bool

	Log *logger.Logger
}

// Worker owns one RX ring (TPACKET_V3, joined to the distributor's fanout
// group), its egress interfaces and their TX rings (TPACKET_V2), and the
// two per-family destination tables.
type Worker struct {
	mode destination.Mode

	rx *ring.Ring

	mu         sync.Mutex
	interfaces []*destination.Interface

	ipv4 *destination.Table
	ipv6 *destination.Table

	running atomic.Bool
	wg      sync.WaitGroup

	log *logger.Logger
}

// New builds the RX ring with the supplied BPF filter attached and joined
// to the fanout group, per spec.md §4.D "create".
func New(opts Options) (*Worker, error) {
	w := &Worker{mode: opts.Mode, log: opts.Log}

	rx, err := ring.New(ring.Options{
		Version:      ring.V3,
		Direction:    ring.RX,
		SizeBytes:    opts.RXSize,
		Ifindex:      opts.RXIfindex,
		Filter:       opts.Filter,
		FanoutID:     opts.FanoutID,
		FanoutPolicy: unix.PACKET_FANOUT_HASH,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: rx ring: %w", err)
	}
	rx.SetCallbacks(w.onFrame, w.onBatch)
	w.rx = rx

	w.ipv4 = destination.NewTable(destination.IPv4, opts.ComputeUDPChecksum)
	w.ipv6 = destination.NewTable(destination.IPv6, true)
	w.ipv4.Init(opts.Mode)
	w.ipv6.Init(opts.Mode)

	if w.log != nil {
		w.ipv4.SetErrorHandler(func(err error) { w.log.Error("ipv4 send failed", "err", err) })
		w.ipv6.SetErrorHandler(func(err error) { w.log.Error("ipv6 send failed", "err", err) })
	}

	return w, nil
}

// AddInterface registers (idempotently, by ifindex) an egress interface and
// its TX ring (TPACKET_V2, per SPEC_FULL.md §12's RX/TX version split).
func (w *Worker) AddInterface(ifindex int, mac [6]byte, addr4 [4]byte, addr6 [16]byte, txSize uint64) (*destination.Interface, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, iface := range w.interfaces {
		if iface.Index == ifindex {
			return iface, nil
		}
	}

	if len(w.interfaces) >= destination.MaxInterfaces {
		return nil, destination.ErrTooManyInterfaces
	}

	tx, err := ring.New(ring.Options{
		Version:   ring.V2,
		Direction: ring.TX,
		SizeBytes: txSize,
		Ifindex:   ifindex,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: tx ring for ifindex %d: %w", ifindex, err)
	}

	iface := &destination.Interface{Index: ifindex, MAC: mac, IPv4: addr4, IPv6: addr6, TX: tx}
	w.interfaces = append(w.interfaces, iface)
	return iface, nil
}

func (w *Worker) findInterface(ifindex int) *destination.Interface {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, iface := range w.interfaces {
		if iface.Index == ifindex {
			return iface
		}
	}
	return nil
}

// AddDestination appends a destination to the IPv4 or IPv6 table by address
// length, per spec.md §4.D.
func (w *Worker) AddDestination(ifindex int, mac [6]byte, addr []byte, port uint16) error {
	iface := w.findInterface(ifindex)
	if iface == nil {
		return fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, ifindex)
	}

	switch len(addr) {
	case 4:
		return w.ipv4.Add(mac, addr, port, iface)
	case 16:
		return w.ipv6.Add(mac, addr, port, iface)
	default:
		return ErrBadAddressLength
	}
}

// onFrame classifies one frame by the high nibble of its first L3 octet,
// per spec.md §4.D.
func (w *Worker) onFrame(frame []byte) {
	if len(frame) <= etherHeaderLen {
		return
	}
	switch frame[etherHeaderLen] & 0xf0 {
	case 0x40:
		w.ipv4.Process(frame)
	case 0x60:
		w.ipv6.Process(frame)
	}
}

func (w *Worker) onBatch(frames [][]byte) {
	for _, f := range frames {
		w.onFrame(f)
	}
}

// Start launches the worker's polling goroutine.
func (w *Worker) Start() {
	w.running.Store(true)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// run polls the RX ring until Stop clears the running flag; the flag is an
// atomic.Bool, not the plain bool the original source used, per spec.md §9.
func (w *Worker) run() {
	for w.running.Load() {
		if _, err := w.rx.Recv(250); err != nil {
			if w.log != nil {
				w.log.Error("rx poll failed", "err", err)
			}
		}
	}
}

// Stop clears the running flag and joins the polling goroutine. Workers
// observe the flag at the top of the next poll cycle, within 250ms.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.wg.Wait()
}

// Close releases the RX ring and every egress interface's TX ring. Call
// only after Stop.
func (w *Worker) Close() error {
	var firstErr error
	if err := w.rx.Close(); err != nil {
		firstErr = err
	}
	for _, iface := range w.interfaces {
		if err := iface.TX.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports the RX ring's kernel-side packet counters.
func (w *Worker) Stats() (ring.Stats, error) {
	return w.rx.Stats()
}
