package netifaces

import (
	"net"
	"testing"
)

func TestInterfacesIncludesLoopback(t *testing.T) {
	ifaces, err := Interfaces()
	if err != nil {
		t.Fatalf("Interfaces(): %v", err)
	}
	if len(ifaces) == 0 {
		t.Fatal("expected at least one interface")
	}
	found := false
	for _, info := range ifaces {
		if info.Name == "lo" {
			found = true
			if info.IPv4 == nil {
				t.Error("lo should have an IPv4 address (127.0.0.1)")
			}
			if info.Index == 0 {
				t.Error("lo should have a non-zero ifindex")
			}
		}
	}
	if !found {
		t.Skip("no loopback interface named \"lo\" in this environment")
	}
}

func TestFindByNameLoopback(t *testing.T) {
	info, err := FindByName("lo")
	if err != nil {
		t.Skipf("no loopback interface named \"lo\" in this environment: %v", err)
	}
	if info.Name != "lo" {
		t.Errorf("Name = %q, want lo", info.Name)
	}
	if info.IPv4 == nil || !info.IPv4.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("IPv4 = %v, want 127.0.0.1", info.IPv4)
	}
}

func TestFindByNameNotFound(t *testing.T) {
	_, err := FindByName("no-such-interface-xyz")
	if err == nil {
		t.Error("expected error for nonexistent interface")
	}
}

func TestComputeBroadcast(t *testing.T) {
	ip := net.IPv4(192, 168, 1, 42)
	mask := net.CIDRMask(24, 32)
	bcast := computeBroadcast(ip, mask)
	want := net.IPv4(192, 168, 1, 255).To4()
	if !bcast.Equal(want) {
		t.Errorf("computeBroadcast = %v, want %v", bcast, want)
	}
}

func TestComputeBroadcastNonIPv4(t *testing.T) {
	ip := net.ParseIP("::1")
	mask := net.CIDRMask(64, 128)
	if b := computeBroadcast(ip, mask); b != nil {
		t.Errorf("computeBroadcast for IPv6 input = %v, want nil", b)
	}
}
