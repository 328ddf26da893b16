// Package config parses and validates the CLI arguments into a single typed
// configuration list, per spec.md §9's explicit recommendation not to
// replicate the original's two-pass argv scan.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mojo333/udp-fanout/internal/destination"
	"github.com/mojo333/udp-fanout/internal/filter"
	"github.com/mojo333/udp-fanout/internal/netifaces"
	"github.com/mojo333/udp-fanout/internal/ring"
)

var (
	ErrMissingRX      = errors.New("config: --rx is mandatory")
	ErrMissingTX      = errors.New("config: at least one --tx is mandatory")
	ErrMissingDest    = errors.New("config: at least one --dest is mandatory")
	ErrTooManyTX      = fmt.Errorf("config: too many --tx entries (max %d)", destination.MaxInterfaces)
	ErrBadMode        = errors.New("config: --type must be load-balancer or broadcaster")
	ErrBadWorkerCount = errors.New("config: --number-workers must be in [1, 32]")
)

// RXInterface is the mandatory ingress interface, resolved to an ifindex.
type RXInterface struct {
	Name      string
	Ifindex   int
	SizeBytes uint64
}

// TXInterface is one egress interface: its own source MAC/IPv4/IPv6, used to
// rewrite forwarded frames' headers.
type TXInterface struct {
	Name      string
	Ifindex   int
	MAC       [6]byte
	IPv4      [4]byte
	IPv6      [16]byte
	SizeBytes uint64
}

// Destination is one --dest entry: forwarding target plus the egress
// interface it is reachable through.
type Destination struct {
	IfaceName string
	Ifindex   int
	MAC       [6]byte
	Addr      []byte // 4 or 16 bytes
	Port      uint16
}

// Config is the fully validated configuration record the core consumes, per
// spec.md §1's "Out of scope" boundary.
type Config struct {
	RX           RXInterface
	TX           []TXInterface
	Destinations []Destination
	Mode         destination.Mode
	Ports        []filter.Range
	NumWorkers   int

	ComputeUDPChecksum bool

	Foreground  bool
	Logfile     string
	Verbose     bool
	MonitorPath string
}

// repeatableFlag implements flag.Value for a flag that may be given multiple
// times, e.g. --tx eth0,... --tx eth1,..., in the teacher's stringSlice
// idiom (cmd/multicast-relay/main.go).
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ", ") }
func (r *repeatableFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// Parse parses and validates args (typically os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("udp-fanout", flag.ContinueOnError)

	rxFlag := fs.String("rx", "", "Ingress interface as <iface>[,<size>] (mandatory).")
	var txFlags repeatableFlag
	fs.Var(&txFlags, "tx", "Egress interface as <iface>,<mac>,<ipv4>,<ipv6>[,<size>] (repeatable, 1..32).")
	var destFlags repeatableFlag
	fs.Var(&destFlags, "dest", "Destination as <iface>,<mac>,<ip>,<port> (repeatable, mandatory).")
	modeFlag := fs.String("type", "load-balancer", "Distribution mode: load-balancer or broadcaster.")
	portsFlag := fs.String("ports", "", "Accepted destination ports, e.g. 5000,6000-6010.")
	numWorkersFlag := fs.Int("number-workers", 1, "Number of fanout workers (1..32).")
	udpChecksumFlag := fs.Bool("udp-checksum", true, "Compute UDP checksums for forwarded IPv4 datagrams.")
	foregroundFlag := fs.Bool("foreground", false, "Do not background, log to stdout.")
	logfileFlag := fs.String("logfile", "", "Save logs to this file.")
	verboseFlag := fs.Bool("verbose", false, "Enable verbose output.")
	monitorFlag := fs.String("monitor", "", "Save periodic stats to this monitor logfile.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ComputeUDPChecksum: *udpChecksumFlag,
		Foreground:         *foregroundFlag,
		Logfile:            *logfileFlag,
		Verbose:            *verboseFlag,
		NumWorkers:         *numWorkersFlag,
		MonitorPath:        *monitorFlag,
	}

	if cfg.NumWorkers < 1 || cfg.NumWorkers > 32 {
		return nil, ErrBadWorkerCount
	}

	switch *modeFlag {
	case "load-balancer":
		cfg.Mode = destination.LoadBalancer
	case "broadcaster":
		cfg.Mode = destination.Broadcaster
	default:
		return nil, ErrBadMode
	}

	if *rxFlag == "" {
		return nil, ErrMissingRX
	}
	rx, err := parseRX(*rxFlag)
	if err != nil {
		return nil, err
	}
	cfg.RX = rx

	if len(txFlags) == 0 {
		return nil, ErrMissingTX
	}
	if len(txFlags) > destination.MaxInterfaces {
		return nil, ErrTooManyTX
	}
	for _, raw := range txFlags {
		tx, err := parseTX(raw)
		if err != nil {
			return nil, err
		}
		cfg.TX = append(cfg.TX, tx)
	}

	if len(destFlags) == 0 {
		return nil, ErrMissingDest
	}
	for _, raw := range destFlags {
		d, err := parseDest(raw, cfg.TX)
		if err != nil {
			return nil, err
		}
		cfg.Destinations = append(cfg.Destinations, d)
	}

	if *portsFlag != "" {
		ranges, err := parsePorts(*portsFlag)
		if err != nil {
			return nil, err
		}
		cfg.Ports = ranges
	}

	return cfg, nil
}

func parseRX(spec string) (RXInterface, error) {
	fields := strings.Split(spec, ",")
	name := fields[0]
	iface, err := netifaces.FindByName(name)
	if err != nil {
		return RXInterface{}, fmt.Errorf("config: --rx: %w", err)
	}

	size := uint64(ring.DefaultSize)
	if len(fields) > 1 {
		size, err = parseSize(fields[1])
		if err != nil {
			return RXInterface{}, fmt.Errorf("config: --rx: %w", err)
		}
	}

	return RXInterface{Name: name, Ifindex: iface.Index, SizeBytes: size}, nil
}

func parseTX(spec string) (TXInterface, error) {
	fields := strings.Split(spec, ",")
	if len(fields) < 4 {
		return TXInterface{}, fmt.Errorf("config: --tx %q: expected <iface>,<mac>,<ipv4>,<ipv6>[,<size>]", spec)
	}

	name := fields[0]
	iface, err := netifaces.FindByName(name)
	if err != nil {
		return TXInterface{}, fmt.Errorf("config: --tx: %w", err)
	}

	mac, err := parseMAC(fields[1])
	if err != nil {
		return TXInterface{}, fmt.Errorf("config: --tx: %w", err)
	}

	ip4, err := parseIPv4(fields[2])
	if err != nil {
		return TXInterface{}, fmt.Errorf("config: --tx: %w", err)
	}

	ip6, err := parseIPv6(fields[3])
	if err != nil {
		return TXInterface{}, fmt.Errorf("config: --tx: %w", err)
	}

	size := uint64(ring.DefaultSize)
	if len(fields) > 4 {
		size, err = parseSize(fields[4])
		if err != nil {
			return TXInterface{}, fmt.Errorf("config: --tx: %w", err)
		}
	}

	return TXInterface{Name: name, Ifindex: iface.Index, MAC: mac, IPv4: ip4, IPv6: ip6, SizeBytes: size}, nil
}

func parseDest(spec string, tx []TXInterface) (Destination, error) {
	fields := strings.Split(spec, ",")
	if len(fields) != 4 {
		return Destination{}, fmt.Errorf("config: --dest %q: expected <iface>,<mac>,<ip>,<port>", spec)
	}

	name := fields[0]
	var ifindex int
	found := false
	for _, t := range tx {
		if t.Name == name {
			ifindex = t.Ifindex
			found = true
			break
		}
	}
	if !found {
		return Destination{}, fmt.Errorf("config: --dest %q: interface %s is not a --tx interface", spec, name)
	}

	mac, err := parseMAC(fields[1])
	if err != nil {
		return Destination{}, fmt.Errorf("config: --dest: %w", err)
	}

	addr, err := parseIP(fields[2])
	if err != nil {
		return Destination{}, fmt.Errorf("config: --dest: %w", err)
	}

	port, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return Destination{}, fmt.Errorf("config: --dest %q: invalid port: %w", spec, err)
	}

	return Destination{IfaceName: name, Ifindex: ifindex, MAC: mac, Addr: addr, Port: uint16(port)}, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return mac, fmt.Errorf("invalid MAC %q", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("%q is not an IPv4 address", s)
	}
	copy(out[:], ip4)
	return out, nil
}

func parseIPv6(s string) ([16]byte, error) {
	var out [16]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("invalid IPv6 address %q", s)
	}
	ip6 := ip.To16()
	if ip6 == nil {
		return out, fmt.Errorf("%q is not a valid IPv6 address", s)
	}
	copy(out[:], ip6)
	return out, nil
}

// parseIP resolves an address to either its 4- or 16-byte form, IPv4 first
// then IPv6, per spec.md §6's "IP" grammar (family determined by length).
func parseIP(s string) ([]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return []byte(ip4), nil
	}
	return []byte(ip.To16()), nil
}

// parseSize parses a binary-suffixed ring size: a bare integer or one
// suffixed with K, M, or G, per spec.md §6.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	numPart := s
	switch suffix {
	case 'K', 'k':
		mult = 1 << 10
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	size := n * mult
	if size < ring.MinSize || size > ring.MaxSize() {
		return 0, fmt.Errorf("size %q out of range [%d, %d]", s, uint64(ring.MinSize), ring.MaxSize())
	}
	return size, nil
}

// parsePorts parses a comma-separated list of "N" or "N-M" ranges into a
// canonicalized filter.Set, per spec.md §3's port range set.
func parsePorts(s string) ([]filter.Range, error) {
	var set filter.Set
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var from, to uint64
		var err error
		if i := strings.IndexByte(part, '-'); i >= 0 {
			from, err = strconv.ParseUint(part[:i], 10, 16)
			if err == nil {
				to, err = strconv.ParseUint(part[i+1:], 10, 16)
			}
		} else {
			from, err = strconv.ParseUint(part, 10, 16)
			to = from
		}
		if err != nil {
			return nil, fmt.Errorf("config: --ports: invalid range %q", part)
		}
		if err := set.Add(uint16(from), uint16(to)); err != nil {
			return nil, fmt.Errorf("config: --ports: %w", err)
		}
	}
	return set.Ranges(), nil
}
