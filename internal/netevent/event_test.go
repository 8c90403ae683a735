package netevent_test

import (
	"testing"

	"github.com/mjansson/network-lib-sub000/internal/netevent"
)

func TestChannelSendReceive(t *testing.T) {
	t.Parallel()

	c := netevent.NewChannel(1)
	if !c.Send(netevent.Event{ID: netevent.DataIn}) {
		t.Fatal("Send() = false, want true on empty channel")
	}

	got := <-c.C()
	if got.ID != netevent.DataIn {
		t.Errorf("received ID = %v, want %v", got.ID, netevent.DataIn)
	}
}

func TestChannelDropsWhenFull(t *testing.T) {
	t.Parallel()

	c := netevent.NewChannel(1)
	if !c.Send(netevent.Event{ID: netevent.Connection}) {
		t.Fatal("first Send() = false, want true")
	}
	if c.Send(netevent.Event{ID: netevent.Connection}) {
		t.Fatal("second Send() = true, want false (channel full)")
	}
	if got := c.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestEventIDString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   netevent.ID
		want string
	}{
		{netevent.Connection, "connection"},
		{netevent.Connected, "connected"},
		{netevent.DataIn, "datain"},
		{netevent.Hangup, "hangup"},
		{netevent.Errored, "error"},
		{netevent.Timeout, "timeout"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("%v.String() = %q, want %q", tt.id, got, tt.want)
		}
	}
}
