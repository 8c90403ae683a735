package socket_test

import (
	"context"
	"testing"
	"time"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
	"github.com/mjansson/network-lib-sub000/internal/socket"
)

func TestTCPListenAcceptRoundTrip(t *testing.T) {
	t.Parallel()

	listener := socket.NewTCP()
	t.Cleanup(func() { _ = listener.Close() })

	loopback := netaddr.IPv4Any(0).SetPort(0)
	if err := listener.Listen(loopback, 8); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if listener.State() != socket.StateListening {
		t.Fatalf("State() = %v, want %v", listener.State(), socket.StateListening)
	}

	local := listener.LocalAddr()
	dialTarget, err := netaddr.Parse("127.0.0.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	target := dialTarget[0].SetPort(local.Port())

	client := socket.NewTCP()
	t.Cleanup(func() { _ = client.Close() })

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		connectErr <- client.Connect(ctx, target, 2*time.Second)
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
	if client.State() != socket.StateConnected {
		t.Fatalf("client.State() = %v, want %v", client.State(), socket.StateConnected)
	}

	payload := []byte("hello over loopback")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(payload))
	readDeadline := time.Now().Add(2 * time.Second)
	var n int
	for n < len(got) {
		if time.Now().After(readDeadline) {
			t.Fatalf("timed out reading, got %d of %d bytes", n, len(got))
		}
		m, err := server.Read(got[n:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		n += m
		if m == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	if string(got) != string(payload) {
		t.Errorf("Read() = %q, want %q", got, payload)
	}
}

func TestTCPConnectAlreadyConnected(t *testing.T) {
	t.Parallel()

	listener := socket.NewTCP()
	t.Cleanup(func() { _ = listener.Close() })
	if err := listener.Listen(netaddr.IPv4Any(0), 1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := socket.NewTCP()
	t.Cleanup(func() { _ = client.Close() })

	target, _ := netaddr.Parse("127.0.0.1")
	addr := target[0].SetPort(listener.LocalAddr().Port())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Connect(ctx, addr, time.Second); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	if err := client.Connect(ctx, addr, time.Second); err != socket.ErrAlreadyConnected {
		t.Errorf("second Connect() error = %v, want %v", err, socket.ErrAlreadyConnected)
	}
}

func TestTCPSetDelayOnUDPRejected(t *testing.T) {
	t.Parallel()

	udp := socket.NewUDP()
	t.Cleanup(func() { _ = udp.Close() })

	if err := udp.SetDelay(true); err != socket.ErrNotSupported {
		t.Errorf("SetDelay() on UDP socket error = %v, want %v", err, socket.ErrNotSupported)
	}
}

func TestTCPCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := socket.NewTCP()
	if err := s.Bind(netaddr.IPv4Any(0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != socket.StateNotConnected {
		t.Errorf("State() after Close = %v, want %v", s.State(), socket.StateNotConnected)
	}
}
