package filter

import (
	"errors"
	"reflect"
	"testing"
)

func TestSetAddSortedDisjoint(t *testing.T) {
	// Insert out of order and expect a canonical sorted, disjoint result —
	// invariant 1 in spec.md §8.
	var s Set
	for _, r := range []Range{{100, 200}, {1, 10}, {500, 500}, {50, 90}} {
		if err := s.Add(r.From, r.To); err != nil {
			t.Fatalf("Add(%d,%d): %v", r.From, r.To, err)
		}
	}
	want := []Range{{1, 10}, {50, 90}, {100, 200}, {500, 500}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Fatalf("got %v, want %v", s.Ranges(), want)
	}
}

func TestSetAddTouchingMerges(t *testing.T) {
	// [a,b],[b+1,c] must merge into a single range, per the boundary case in
	// spec.md §8.
	var s Set
	if err := s.Add(1, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(11, 20); err != nil {
		t.Fatal(err)
	}
	want := []Range{{1, 20}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Fatalf("got %v, want %v", s.Ranges(), want)
	}
}

func TestSetAddOverlapMerges(t *testing.T) {
	var s Set
	must(t, s.Add(10, 20))
	must(t, s.Add(15, 30))
	want := []Range{{10, 30}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Fatalf("got %v, want %v", s.Ranges(), want)
	}
}

func TestSetAddSpanningMergeShrinks(t *testing.T) {
	// A single insertion that bridges several existing ranges must collapse
	// them all into one.
	var s Set
	must(t, s.Add(1, 5))
	must(t, s.Add(10, 15))
	must(t, s.Add(20, 25))
	must(t, s.Add(1, 25))
	want := []Range{{1, 25}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Fatalf("got %v, want %v", s.Ranges(), want)
	}
}

func TestSetAddBoundaryPorts(t *testing.T) {
	var s Set
	must(t, s.Add(1, 1))
	must(t, s.Add(65535, 65535))
	want := []Range{{1, 1}, {65535, 65535}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Fatalf("got %v, want %v", s.Ranges(), want)
	}
}

func TestSetAddInvalidRange(t *testing.T) {
	var s Set
	if err := s.Add(0, 10); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("from=0: got %v, want ErrInvalidRange", err)
	}
	if err := s.Add(10, 5); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("from>to: got %v, want ErrInvalidRange", err)
	}
}

func TestSetAddCapacity(t *testing.T) {
	var s Set
	for i := 0; i < MaxPortRanges; i++ {
		from := uint16(i*10 + 1)
		if err := s.Add(from, from); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if s.Len() != MaxPortRanges {
		t.Fatalf("Len() = %d, want %d", s.Len(), MaxPortRanges)
	}
	// 33rd non-touching range must be rejected.
	if err := s.Add(9999, 9999); !errors.Is(err, ErrTooManyRanges) {
		t.Fatalf("33rd insert: got %v, want ErrTooManyRanges", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
