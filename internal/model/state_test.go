package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateSent, true},
		{StateSent, StateDelivered, true},
		{StateDelivered, StateRead, true},
		{StatePending, StateFailed, true},
		{StateSent, StateFailed, true},
		{StatePending, StateDelivered, true},
		{StateDelivered, StateSent, false},
		{StateRead, StateSent, false},
		{StateRead, StateDelivered, false},
		{StateDelivered, StateFailed, false},
		{StateFailed, StateSent, false},
		{StateSent, StateSent, false},
		{StateReceived, StateRead, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseState(t *testing.T) {
	if st, ok := ParseState("delivered"); !ok || st != StateDelivered {
		t.Fatalf("delivered: %v %v", st, ok)
	}
	if _, ok := ParseState("received"); ok {
		t.Fatal("received must not parse as a ladder state")
	}
	if _, ok := ParseState("deleted"); ok {
		t.Fatal("unknown status parsed")
	}
}

func TestKnownEvent(t *testing.T) {
	if !KnownEvent(EventListSelected) || !KnownEvent(EventOrderCompleted) {
		t.Fatal("expected closed set members")
	}
	if KnownEvent(EventMessageSent) || KnownEvent("vehicle.created") {
		t.Fatal("unexpected event accepted")
	}
}
