// udp-fanout distributes UDP datagrams received on one interface across
// PACKET_FANOUT workers, rewriting and re-emitting them toward configured
// destinations on chosen egress interfaces.
//
// Go port 2026
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mojo333/udp-fanout/internal/config"
	"github.com/mojo333/udp-fanout/internal/distributor"
	"github.com/mojo333/udp-fanout/internal/filter"
	"github.com/mojo333/udp-fanout/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}

	log, err := logger.New(cfg.Foreground, cfg.Logfile, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %s\n", err)
		return 1
	}
	defer log.Close()

	if cfg.MonitorPath != "" {
		if err := log.SetMonitor(cfg.MonitorPath); err != nil {
			log.Error("monitor setup failed", "err", err)
			return 1
		}
	}

	fprog, err := filter.Compile(true, true, cfg.Ports)
	if err != nil {
		log.Error("filter compile failed", "err", err)
		return 1
	}

	dist, err := distributor.New(distributor.Options{
		Mode:               cfg.Mode,
		RXIfindex:          cfg.RX.Ifindex,
		RXSize:             cfg.RX.SizeBytes,
		Filter:             &fprog,
		NumWorkers:         cfg.NumWorkers,
		ComputeUDPChecksum: cfg.ComputeUDPChecksum,
		Log:                log,
	}, len(cfg.Destinations))
	if err != nil {
		log.Error("distributor init failed", "err", err)
		return 1
	}

	for _, tx := range cfg.TX {
		if err := dist.AddInterface(tx.Ifindex, tx.MAC, tx.IPv4, tx.IPv6, tx.SizeBytes); err != nil {
			log.Error("add interface failed", "iface", tx.Name, "err", err)
			return 1
		}
		log.Info("added egress interface", "iface", tx.Name)
	}

	for _, d := range cfg.Destinations {
		if err := dist.AddDestination(d.Ifindex, d.MAC, d.Addr, d.Port); err != nil {
			log.Error("add destination failed", "iface", d.IfaceName, "port", d.Port, "err", err)
			return 1
		}
		log.Info("added destination", "iface", d.IfaceName, "port", d.Port)
	}

	log.Info("starting", "workers", dist.NumWorkers(), "rx", cfg.RX.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	dist.Start()
	<-sigCh

	log.Info("shutting down")
	dist.Stop()

	return 0
}
