// Package distributor owns N workers joined into one PACKET_FANOUT group
// and assigns egress interfaces/destinations to them according to mode.
// Grounded on original_source/net/udp_distributor.{h,cpp}.
package distributor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mojo333/udp-fanout/internal/destination"
	"github.com/mojo333/udp-fanout/internal/logger"
	"github.com/mojo333/udp-fanout/internal/worker"
)

const (
	MinWorkers = 1
	MaxWorkers = 32

	// statsInterval is the cadence for the periodic Monitor-level stats log,
	// matching the teacher's periodic connection-health logging in relay.go.
	statsInterval = 30 * time.Second
)

var (
	ErrWorkerCount = errors.New("distributor: number of workers out of range [1, 32]")
	ErrNoWorkers   = errors.New("distributor: no workers")
)

// Options configures a new Distributor.
type Options struct {
	Mode destination.Mode

	RXIfindex int
	RXSize    uint64
	Filter    *unix.SockFprog

	NumWorkers int

	ComputeUDPChecksum bool

	Log *logger.Logger
}

// Distributor fans reception out across its workers via PACKET_FANOUT and
// assigns destinations to them per mode.
type Distributor struct {
	mode    destination.Mode
	workers []*worker.Worker
	cursor  int
	log     *logger.Logger

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// New creates NumWorkers workers, each joining the same fanout group with
// hash policy. destinationCount is the total number of --dest entries the
// caller will add; in load-balancer mode, if NumWorkers > destinationCount
// the worker count is clamped down so no worker is ever idle, per
// spec.md §4.E.
func New(opts Options, destinationCount int) (*Distributor, error) {
	if opts.NumWorkers < MinWorkers || opts.NumWorkers > MaxWorkers {
		return nil, ErrWorkerCount
	}

	n := clampWorkers(opts.Mode, opts.NumWorkers, destinationCount)

	fanoutID := uint16(os.Getpid() & 0xffff)

	d := &Distributor{mode: opts.Mode, log: opts.Log}

	for i := 0; i < n; i++ {
		w, err := worker.New(worker.Options{
			Mode:               opts.Mode,
			RXIfindex:          opts.RXIfindex,
			RXSize:             opts.RXSize,
			Filter:             opts.Filter,
			FanoutID:           fanoutID,
			ComputeUDPChecksum: opts.ComputeUDPChecksum,
			Log:                opts.Log,
		})
		if err != nil {
			d.closeAll()
			return nil, fmt.Errorf("distributor: worker %d: %w", i, err)
		}
		d.workers = append(d.workers, w)
	}

	return d, nil
}

// clampWorkers implements spec.md §4.E's clamp: in load-balancer mode, if
// requested exceeds destinationCount, drop to destinationCount so no worker
// is ever idle. Broadcaster mode never clamps — every worker gets every
// destination.
func clampWorkers(mode destination.Mode, requested, destinationCount int) int {
	if mode == destination.LoadBalancer && destinationCount > 0 && requested > destinationCount {
		return destinationCount
	}
	return requested
}

// NumWorkers reports the (possibly clamped) worker count.
func (d *Distributor) NumWorkers() int {
	return len(d.workers)
}

// AddInterface replicates one egress interface to every worker.
func (d *Distributor) AddInterface(ifindex int, mac [6]byte, addr4 [4]byte, addr6 [16]byte, txSize uint64) error {
	for i, w := range d.workers {
		if _, err := w.AddInterface(ifindex, mac, addr4, addr6, txSize); err != nil {
			return fmt.Errorf("distributor: worker %d: %w", i, err)
		}
	}
	return nil
}

// AddDestination appends a destination to worker[cursor] and advances the
// cursor (load-balancer), or to every worker (broadcaster), per
// spec.md §4.E.
func (d *Distributor) AddDestination(ifindex int, mac [6]byte, addr []byte, port uint16) error {
	if len(d.workers) == 0 {
		return ErrNoWorkers
	}

	if d.mode == destination.Broadcaster {
		for i, w := range d.workers {
			if err := w.AddDestination(ifindex, mac, addr, port); err != nil {
				return fmt.Errorf("distributor: worker %d: %w", i, err)
			}
		}
		return nil
	}

	w := d.workers[d.cursor]
	if err := w.AddDestination(ifindex, mac, addr, port); err != nil {
		return fmt.Errorf("distributor: worker %d: %w", d.cursor, err)
	}
	d.cursor = (d.cursor + 1) % len(d.workers)
	return nil
}

// Start launches every worker's polling goroutine and, if a logger was
// supplied, a periodic stats-logging goroutine (every statsInterval, at
// Monitor level), per SPEC_FULL.md §12.
func (d *Distributor) Start() {
	for _, w := range d.workers {
		w.Start()
	}
	if d.log != nil {
		d.stopMonitor = make(chan struct{})
		d.monitorDone = make(chan struct{})
		go d.monitorStats()
	}
}

func (d *Distributor) monitorStats() {
	defer close(d.monitorDone)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopMonitor:
			return
		case <-ticker.C:
			received, dropped, err := d.Stats()
			if err != nil {
				d.log.Warning("stats query failed", "err", err)
				continue
			}
			d.log.Monitor("distributor stats", "received", received, "dropped", dropped)
		}
	}
}

// Stop clears every worker's running flag, joins their goroutines, stops the
// stats-logging goroutine if running, then releases every ring.
func (d *Distributor) Stop() {
	for _, w := range d.workers {
		w.Stop()
	}
	if d.stopMonitor != nil {
		close(d.stopMonitor)
		<-d.monitorDone
	}
	d.closeAll()
}

func (d *Distributor) closeAll() {
	for _, w := range d.workers {
		if err := w.Close(); err != nil && d.log != nil {
			d.log.Error("worker close failed", "err", err)
		}
	}
}

// Stats aggregates received/dropped counters across every worker's RX ring.
func (d *Distributor) Stats() (received, dropped uint32, err error) {
	for _, w := range d.workers {
		s, e := w.Stats()
		if e != nil {
			return 0, 0, e
		}
		received += s.Received
		dropped += s.Dropped
	}
	return received, dropped, nil
}
