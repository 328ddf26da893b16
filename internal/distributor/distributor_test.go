package distributor

import (
	"testing"

	"github.com/mojo333/udp-fanout/internal/destination"
)

func TestClampWorkersLoadBalancerClamps(t *testing.T) {
	// spec.md §4.E: requesting more workers than destinations in
	// load-balancer mode clamps down so no worker is ever idle.
	if got := clampWorkers(destination.LoadBalancer, 8, 3); got != 3 {
		t.Errorf("clampWorkers(LB, 8, 3) = %d, want 3", got)
	}
}

func TestClampWorkersLoadBalancerNoClampNeeded(t *testing.T) {
	if got := clampWorkers(destination.LoadBalancer, 2, 8); got != 2 {
		t.Errorf("clampWorkers(LB, 2, 8) = %d, want 2", got)
	}
}

func TestClampWorkersLoadBalancerZeroDestinations(t *testing.T) {
	// With no destinations registered yet, there is nothing to clamp to.
	if got := clampWorkers(destination.LoadBalancer, 5, 0); got != 5 {
		t.Errorf("clampWorkers(LB, 5, 0) = %d, want 5 (unclamped)", got)
	}
}

func TestClampWorkersBroadcasterNeverClamps(t *testing.T) {
	// Broadcaster mode fans every worker out to every destination, so the
	// worker count is never reduced.
	if got := clampWorkers(destination.Broadcaster, 8, 3); got != 8 {
		t.Errorf("clampWorkers(Broadcaster, 8, 3) = %d, want 8", got)
	}
}

func TestClampWorkersExactMatch(t *testing.T) {
	if got := clampWorkers(destination.LoadBalancer, 4, 4); got != 4 {
		t.Errorf("clampWorkers(LB, 4, 4) = %d, want 4", got)
	}
}
