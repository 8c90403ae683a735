package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
	"github.com/mjansson/network-lib-sub000/internal/socket"
)

const echoBufSize = 65507

func echoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a loopback echo server or client against the library directly",
	}

	cmd.AddCommand(echoServeCmd())
	cmd.AddCommand(echoDialCmd())

	return cmd
}

// --- echo serve ---

func echoServeCmd() *cobra.Command {
	var (
		bind    string
		udp     bool
		backlog int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen and echo every payload back to its sender until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			addrs, err := netaddr.Parse(bind)
			if err != nil {
				return fmt.Errorf("parse %q: %w", bind, err)
			}
			addr := addrs[0]

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if udp {
				return serveUDPEcho(ctx, addr)
			}
			return serveTCPEcho(ctx, addr, backlog)
		},
	}

	cmd.Flags().StringVar(&bind, "addr", "127.0.0.1:9700", "address to listen on")
	cmd.Flags().BoolVar(&udp, "udp", false, "listen on UDP instead of TCP")
	cmd.Flags().IntVar(&backlog, "backlog", 16, "TCP accept backlog")
	return cmd
}

// serveTCPEcho uses blocking Accept/Read/Write rather than the poller: this
// command demonstrates the library's direct synchronous API, the other half
// of the surface netlibd's event-driven loop exercises.
func serveTCPEcho(ctx context.Context, addr netaddr.Address, backlog int) error {
	ln := socket.NewTCP()
	defer func() { _ = ln.Close() }()

	if err := ln.Bind(addr); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := ln.Listen(addr, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := ln.SetBlocking(true); err != nil {
		return fmt.Errorf("set blocking: %w", err)
	}

	fmt.Printf("tcp echo listening on %s\n", ln.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		// Accept always hands back a non-blocking fd regardless of the
		// listener's own mode.
		if err := conn.SetBlocking(true); err != nil {
			_ = conn.Close()
			continue
		}
		go handleTCPEchoConn(conn)
	}
}

func handleTCPEchoConn(conn *socket.Socket) {
	defer func() { _ = conn.Close() }()

	buf := make([]byte, echoBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil || (n == 0 && conn.State() == socket.StateDisconnected) {
			return
		}
		if n == 0 {
			continue
		}
		if _, werr := conn.Write(buf[:n]); werr != nil {
			return
		}
		if ferr := conn.Flush(); ferr != nil {
			return
		}
	}
}

func serveUDPEcho(ctx context.Context, addr netaddr.Address) error {
	sock := socket.NewUDP()
	defer func() { _ = sock.Close() }()

	if err := sock.Bind(addr); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := sock.SetBlocking(true); err != nil {
		return fmt.Errorf("set blocking: %w", err)
	}

	fmt.Printf("udp echo listening on %s\n", sock.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = sock.Close()
	}()

	buf := make([]byte, echoBufSize)
	for {
		n, from, err := sock.RecvFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recvfrom: %w", err)
		}
		if !from.IsValid() {
			continue
		}
		if _, err := sock.SendTo(buf[:n], from); err != nil {
			return fmt.Errorf("sendto: %w", err)
		}
	}
}

// --- echo dial ---

func echoDialCmd() *cobra.Command {
	var (
		target  string
		udp     bool
		payload string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Send a payload to an echo server and print what comes back",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			addrs, err := netaddr.Parse(target)
			if err != nil {
				return fmt.Errorf("parse %q: %w", target, err)
			}
			addr := addrs[0]

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if udp {
				return dialUDPEcho(addr, []byte(payload), timeout)
			}
			return dialTCPEcho(ctx, addr, []byte(payload), timeout)
		},
	}

	cmd.Flags().StringVar(&target, "addr", "127.0.0.1:9700", "address to dial")
	cmd.Flags().BoolVar(&udp, "udp", false, "dial over UDP instead of TCP")
	cmd.Flags().StringVar(&payload, "data", "ping", "payload to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "TCP connect timeout (the echo round trip itself has no deadline)")
	return cmd
}

func dialTCPEcho(ctx context.Context, addr netaddr.Address, payload []byte, timeout time.Duration) error {
	conn := socket.NewTCP()
	defer func() { _ = conn.Close() }()

	if err := conn.Connect(ctx, addr, timeout); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// Connect's non-blocking handshake dance needs O_NONBLOCK; once
	// established, switch to blocking so Read doesn't need to be polled.
	if err := conn.SetBlocking(true); err != nil {
		return fmt.Errorf("set blocking: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	buf := make([]byte, len(payload))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	fmt.Printf("%s\n", buf[:n])
	return nil
}

func dialUDPEcho(addr netaddr.Address, payload []byte, timeout time.Duration) error {
	sock := socket.NewUDP()
	defer func() { _ = sock.Close() }()

	if err := sock.Bind(netaddr.IPv4Any(0)); err != nil {
		return fmt.Errorf("bind local: %w", err)
	}
	if err := sock.SetBlocking(true); err != nil {
		return fmt.Errorf("set blocking: %w", err)
	}
	if _, err := sock.SendTo(payload, addr); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}

	buf := make([]byte, echoBufSize)
	n, _, err := sock.RecvFrom(buf)
	if err != nil {
		return fmt.Errorf("recvfrom: %w", err)
	}

	_ = timeout // unused for UDP: the blocking RecvFrom has no deadline.
	fmt.Printf("%s\n", buf[:n])
	return nil
}
