package poller_test

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjansson/network-lib-sub000/internal/metrics"
	"github.com/mjansson/network-lib-sub000/internal/netaddr"
	"github.com/mjansson/network-lib-sub000/internal/netevent"
	"github.com/mjansson/network-lib-sub000/internal/poller"
	"github.com/mjansson/network-lib-sub000/internal/socket"
)

func newTestPoller(t *testing.T) (*poller.Poller, *netevent.Channel) {
	t.Helper()
	ch := netevent.NewChannel(16)
	p, err := poller.New(8, 50*time.Millisecond, ch, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, ch
}

func waitForEvent(t *testing.T, ch *netevent.Channel, want netevent.ID, timeout time.Duration) netevent.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch.C():
			if ev.ID == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", want)
		}
	}
}

func dialLoopback(t *testing.T) (*socket.Socket, *socket.Socket) {
	t.Helper()

	listener := socket.NewTCP()
	t.Cleanup(func() { _ = listener.Close() })
	if err := listener.Listen(netaddr.IPv4Any(0), 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	target, err := netaddr.Parse("127.0.0.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	addr := target[0].SetPort(listener.LocalAddr().Port())

	client := socket.NewTCP()
	t.Cleanup(func() { _ = client.Close() })

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		connectErr <- client.Connect(ctx, addr, 2*time.Second)
	}()

	var server *socket.Socket
	deadline := time.Now().Add(2 * time.Second)
	for server == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Accept")
		}
		server, err = listener.Accept(context.Background(), 0)
		if err != nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
	}
	t.Cleanup(func() { _ = server.Close() })

	if err := <-connectErr; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client, server
}

func TestPollerAddRemoveHas(t *testing.T) {
	t.Parallel()

	p, _ := newTestPoller(t)

	sock := socket.NewTCP()
	t.Cleanup(func() { _ = sock.Close() })
	if err := sock.Bind(netaddr.IPv4Any(0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := p.Add(sock); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.Has(sock) {
		t.Fatal("Has() = false immediately after Add()")
	}

	if _, err := p.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.NumSockets() != 1 {
		t.Fatalf("NumSockets() = %d, want 1", p.NumSockets())
	}

	if err := p.Remove(sock); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := p.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.NumSockets() != 0 {
		t.Fatalf("NumSockets() after Remove = %d, want 0", p.NumSockets())
	}
}

func TestPollerReportsTimeoutWhenEmpty(t *testing.T) {
	t.Parallel()

	p, ch := newTestPoller(t)

	if _, err := p.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	waitForEvent(t, ch, netevent.Timeout, time.Second)
}

func TestPollerConnectionAndDataIn(t *testing.T) {
	t.Parallel()

	p, ch := newTestPoller(t)

	listener := socket.NewTCP()
	t.Cleanup(func() { _ = listener.Close() })
	if err := listener.Listen(netaddr.IPv4Any(0), 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := p.Add(listener); err != nil {
		t.Fatalf("Add listener: %v", err)
	}

	target, err := netaddr.Parse("127.0.0.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	addr := target[0].SetPort(listener.LocalAddr().Port())

	client := socket.NewTCP()
	t.Cleanup(func() { _ = client.Close() })

	go func() {
		for i := 0; i < 40; i++ {
			if _, err := p.Poll(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, addr, 2*time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := waitForEvent(t, ch, netevent.Connection, 2*time.Second)
	if ev.Socket != listener {
		t.Fatalf("Connection event socket = %v, want listener", ev.Socket)
	}

	server, err := listener.Accept(context.Background(), 0)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	if err := p.Add(server); err != nil {
		t.Fatalf("Add server: %v", err)
	}

	go func() {
		for i := 0; i < 40; i++ {
			if _, err := p.Poll(); err != nil {
				return
			}
		}
	}()

	payload := []byte("poller datain probe")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dataEv := waitForEvent(t, ch, netevent.DataIn, 2*time.Second)
	if dataEv.Socket != server {
		t.Fatalf("DataIn event socket = %v, want server", dataEv.Socket)
	}

	got := make([]byte, len(payload))
	n, err := server.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Errorf("Read() = %q (%d bytes), want %q", got[:n], n, payload)
	}
}

func TestPollerHangupOnPeerClose(t *testing.T) {
	t.Parallel()

	p, ch := newTestPoller(t)

	client, server := dialLoopback(t)
	if err := p.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}

	go func() {
		for i := 0; i < 60; i++ {
			if _, err := p.Poll(); err != nil {
				return
			}
		}
	}()

	if err := client.Close(); err != nil {
		t.Fatalf("client.Close: %v", err)
	}

	ev := waitForEvent(t, ch, netevent.Hangup, 3*time.Second)
	if ev.Socket != server {
		t.Fatalf("Hangup event socket = %v, want server", ev.Socket)
	}
}

func TestPollerRecordsSocketMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ch := netevent.NewChannel(16)
	p, err := poller.New(8, 20*time.Millisecond, ch, nil, collector)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	sock := socket.NewTCP()
	t.Cleanup(func() { _ = sock.Close() })
	if err := sock.Bind(netaddr.IPv4Any(0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := p.Add(sock); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if got := gaugeValue(t, collector.Sockets, "tcp"); got != 1 {
		t.Errorf("Sockets{tcp} = %v, want 1", got)
	}

	if err := p.Remove(sock); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := p.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if got := gaugeValue(t, collector.Sockets, "tcp"); got != 0 {
		t.Errorf("Sockets{tcp} after Remove = %v, want 0", got)
	}
}

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}
