package subcmd

import "testing"

func TestPushPopRoundTrip(t *testing.T) {
	sc := T(0)
	sc = SetFlags(sc, Replicate)

	sc, err := PushRoute(sc, 1, 1) // RAID-1 outer layer, child B
	if err != nil {
		t.Fatalf("PushRoute outer: %v", err)
	}
	sc, err = PushRoute(sc, 3, 2) // RAID-0 inner layer, child 3 of 4
	if err != nil {
		t.Fatalf("PushRoute inner: %v", err)
	}

	if !IsReplicate(sc) {
		t.Fatalf("Replicate flag lost across push")
	}

	inner, parent, err := PopRoute(sc, 2)
	if err != nil {
		t.Fatalf("PopRoute inner: %v", err)
	}
	if inner != 3 {
		t.Fatalf("inner route = %d, want 3", inner)
	}

	outer, parent2, err := PopRoute(parent, 1)
	if err != nil {
		t.Fatalf("PopRoute outer: %v", err)
	}
	if outer != 1 {
		t.Fatalf("outer route = %d, want 1", outer)
	}
	if !IsReplicate(parent2) {
		t.Fatalf("Replicate flag lost across pop")
	}
}

func TestFlagsPreservedAcrossSetUnset(t *testing.T) {
	sc := T(0)
	sc = SetFlags(sc, Retried|Replicate)
	if !IsRetry(sc) || !IsReplicate(sc) {
		t.Fatalf("flags not set")
	}

	unset := UnsetFlags(sc, Retried)
	reset := SetFlags(unset, Retried)
	if reset != sc {
		t.Fatalf("set(unset(s,f),f) != set(s,f): %v != %v", reset, sc)
	}
}

func TestBroadcastIndex(t *testing.T) {
	if BroadcastIndex(1) != 1 {
		t.Fatalf("broadcast(1) = %d, want 1", BroadcastIndex(1))
	}
	if BroadcastIndex(2) != 3 {
		t.Fatalf("broadcast(2) = %d, want 3", BroadcastIndex(2))
	}
}

func TestPushRouteRejectsOversizedChild(t *testing.T) {
	if _, err := PushRoute(0, 4, 2); err == nil {
		t.Fatalf("expected error pushing child index 4 into a 2-bit field")
	}
}

func TestPushRouteRejectsInsufficientBits(t *testing.T) {
	sc := T(0)
	var err error
	// Exhaust nearly all 62 route bits with 31-bit pushes.
	for i := 0; i < 2; i++ {
		sc, err = PushRoute(sc, 0, 31)
		if err != nil {
			t.Fatalf("unexpected error on push %d: %v", i, err)
		}
	}
	if _, err := PushRoute(sc, 0, 1); err == nil {
		t.Fatalf("expected error pushing into exhausted route stack")
	}
}

func TestRouteWidthForChildren(t *testing.T) {
	cases := []struct {
		n    int
		want uint
	}{{1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}}
	for _, c := range cases {
		if got := RouteWidthForChildren(c.n); got != c.want {
			t.Errorf("RouteWidthForChildren(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestRetryDetection(t *testing.T) {
	sc, _ := PushRoute(T(0), 1, 1)
	if IsRetry(sc) {
		t.Fatalf("fresh sub-command should not be a retry")
	}
	sc = SetFlags(sc, Retried)
	if !IsRetry(sc) {
		t.Fatalf("expected retry flag set")
	}
}
