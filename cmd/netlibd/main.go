// netlibd is a reference daemon built on top of the socket/poller/stream
// library: it brings up the listeners declared in its configuration,
// multiplexes their readiness through a single Poller, and echoes payloads
// back to whoever sent them -- useful both as a worked example and as a
// fixture for integration tests that need a live socket to poke at.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mjansson/network-lib-sub000/internal/config"
	"github.com/mjansson/network-lib-sub000/internal/metrics"
	"github.com/mjansson/network-lib-sub000/internal/netaddr"
	"github.com/mjansson/network-lib-sub000/internal/netevent"
	"github.com/mjansson/network-lib-sub000/internal/poller"
	"github.com/mjansson/network-lib-sub000/internal/sockstream"
	"github.com/mjansson/network-lib-sub000/internal/socket"
	appversion "github.com/mjansson/network-lib-sub000/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// echoReadSize is the buffer size used by the UDP echo read loop and the TCP
// dispatcher's echo.
const echoReadSize = 65507

// udpIdleDelay throttles runUDPEcho's poll loop when RecvFrom reports no
// datagram yet (a non-blocking socket with nothing pending returns (0,
// zero-Address, nil) rather than blocking).
const udpIdleDelay = 5 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("netlibd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("listeners", len(cfg.Listeners)),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger); err != nil {
		logger.Error("netlibd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("netlibd stopped")
	return 0
}

// runServers brings up the poller, the declared listeners, and the metrics
// HTTP server under a single errgroup with a signal-aware context, mirroring
// the supervision shape gobfd uses for its gRPC/metrics servers.
func runServers(cfg *config.Config, collector *metrics.Collector, reg *prometheus.Registry, logger *slog.Logger) error {
	events := netevent.NewChannel(256)
	pl, err := poller.New(cfg.Poller.Capacity, cfg.Poller.Timeout, events, logger, collector)
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}

	listeners, err := bringUpListeners(cfg, pl, collector, logger)
	if err != nil {
		_ = pl.Close()
		return fmt.Errorf("bring up listeners: %w", err)
	}
	defer closeListeners(listeners, logger)
	defer func() { _ = pl.Close() }()

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return pl.RunLoop(gCtx)
	})

	dispatcher := newEventDispatcher(pl, collector, logger)
	g.Go(func() error {
		return dispatcher.run(gCtx, events)
	})

	for _, udpLn := range listeners.udp {
		udpLn := udpLn
		g.Go(func() error {
			return runUDPEcho(gCtx, udpLn, collector, logger)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Listener bring-up
// -------------------------------------------------------------------------

// activeListeners holds the sockets brought up from config.Listeners,
// split by protocol since TCP listeners are driven by poller events while
// UDP sockets run their own echo loop directly.
type activeListeners struct {
	tcp []*socket.Socket
	udp []*socket.Socket
}

// bringUpListeners opens, binds, and (for TCP) starts listening on every
// entry in cfg.Listeners, registering each with the poller. A TCP listener
// is driven entirely by CONNECTION/HANGUP events; a UDP socket is also
// registered (so it shows up in poller accounting) but its payloads are
// served by a dedicated recvfrom/sendto loop, since connectionless sockets
// never reach the Connected state the poller requires to report DATAIN.
func bringUpListeners(cfg *config.Config, pl *poller.Poller, collector *metrics.Collector, logger *slog.Logger) (activeListeners, error) {
	var active activeListeners

	for _, lc := range cfg.Listeners {
		addrs, err := netaddr.Parse(lc.Bind)
		if err != nil {
			closeListeners(active, logger)
			return activeListeners{}, fmt.Errorf("listener %q: parse bind %q: %w", lc.Name, lc.Bind, err)
		}
		addr := addrs[0]

		switch lc.Protocol {
		case "tcp":
			sock := socket.NewTCP()
			if err := sock.Bind(addr); err != nil {
				closeListeners(active, logger)
				return activeListeners{}, fmt.Errorf("listener %q: bind: %w", lc.Name, err)
			}
			backlog := lc.Backlog
			if backlog <= 0 {
				backlog = 16
			}
			if err := sock.Listen(addr, backlog); err != nil {
				_ = sock.Close()
				closeListeners(active, logger)
				return activeListeners{}, fmt.Errorf("listener %q: listen: %w", lc.Name, err)
			}
			if err := pl.Add(sock); err != nil {
				_ = sock.Close()
				closeListeners(active, logger)
				return activeListeners{}, fmt.Errorf("listener %q: add to poller: %w", lc.Name, err)
			}
			logger.Info("tcp listener started",
				slog.String("name", lc.Name),
				slog.String("addr", sock.LocalAddr().String()),
			)
			active.tcp = append(active.tcp, sock)

		case "udp":
			sock := socket.NewUDP()
			if err := sock.Bind(addr); err != nil {
				closeListeners(active, logger)
				return activeListeners{}, fmt.Errorf("listener %q: bind: %w", lc.Name, err)
			}
			if err := pl.Add(sock); err != nil {
				_ = sock.Close()
				closeListeners(active, logger)
				return activeListeners{}, fmt.Errorf("listener %q: add to poller: %w", lc.Name, err)
			}
			logger.Info("udp socket started",
				slog.String("name", lc.Name),
				slog.String("addr", sock.LocalAddr().String()),
			)
			active.udp = append(active.udp, sock)

		default:
			closeListeners(active, logger)
			return activeListeners{}, fmt.Errorf("listener %q: unsupported protocol %q", lc.Name, lc.Protocol)
		}
	}

	return active, nil
}

func closeListeners(active activeListeners, logger *slog.Logger) {
	for _, sock := range active.tcp {
		if err := sock.Close(); err != nil {
			logger.Warn("failed to close tcp listener", slog.String("error", err.Error()))
		}
	}
	for _, sock := range active.udp {
		if err := sock.Close(); err != nil {
			logger.Warn("failed to close udp socket", slog.String("error", err.Error()))
		}
	}
}

// -------------------------------------------------------------------------
// Event dispatch -- accept + echo over the poller's event channel
// -------------------------------------------------------------------------

// eventDispatcher turns Poller events into accept/echo/cleanup actions. It
// owns the sockstream wrapping each accepted TCP connection so that
// buffered reads/writes go through the same path a library consumer would
// use.
type eventDispatcher struct {
	poller    *poller.Poller
	collector *metrics.Collector
	logger    *slog.Logger
	streams   map[*socket.Socket]*sockstream.SocketStream
}

func newEventDispatcher(pl *poller.Poller, collector *metrics.Collector, logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		poller:    pl,
		collector: collector,
		logger:    logger.With(slog.String("component", "dispatcher")),
		streams:   make(map[*socket.Socket]*sockstream.SocketStream),
	}
}

func (d *eventDispatcher) run(ctx context.Context, events *netevent.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events.C():
			d.handle(ev)
		}
	}
}

func (d *eventDispatcher) handle(ev netevent.Event) {
	switch ev.ID {
	case netevent.Connection:
		d.acceptAll(ev.Socket)
	case netevent.DataIn:
		d.echo(ev.Socket)
	case netevent.Hangup, netevent.Errored:
		d.closeConn(ev.Socket)
	case netevent.Connected, netevent.Timeout:
		// No action: Connected is only produced by outbound Connect, which
		// this daemon never initiates, and Timeout just means idle poller.
	}
}

// acceptAll drains the listener's accept backlog, registering each
// connection with the poller so it starts reporting DATAIN/HANGUP.
func (d *eventDispatcher) acceptAll(listener *socket.Socket) {
	for {
		// The listener only got here via a CONNECTION event, so the
		// backlog is known non-empty; a zero timeout just drains it.
		conn, err := listener.Accept(context.Background(), 0)
		if err != nil {
			return
		}
		if err := d.poller.Add(conn); err != nil {
			d.logger.Warn("failed to register accepted connection", slog.String("error", err.Error()))
			_ = conn.Close()
			continue
		}
		d.streams[conn] = sockstream.New(conn)
		d.logger.Debug("accepted connection", slog.String("remote", conn.RemoteAddr().String()))
	}
}

// echo reads whatever is newly available on sock and writes it straight
// back, recording byte counters along the way.
func (d *eventDispatcher) echo(sock *socket.Socket) {
	stream, ok := d.streams[sock]
	if !ok {
		return
	}

	buf := make([]byte, echoReadSize)
	n, err := stream.Read(buf)
	if n > 0 {
		d.collector.AddBytesRead(sock.Protocol().String(), n)
		if _, werr := stream.Write(buf[:n]); werr != nil {
			d.logger.Debug("echo write failed", slog.String("error", werr.Error()))
			return
		}
		if ferr := stream.Flush(); ferr != nil {
			d.logger.Debug("echo flush failed", slog.String("error", ferr.Error()))
			return
		}
		d.collector.AddBytesWritten(sock.Protocol().String(), n)
	}
	if err != nil {
		d.closeConn(sock)
	}
}

func (d *eventDispatcher) closeConn(sock *socket.Socket) {
	if _, ok := d.streams[sock]; !ok {
		return
	}
	delete(d.streams, sock)
	_ = d.poller.Remove(sock)
	_ = sock.Close()
}

// -------------------------------------------------------------------------
// UDP echo loop
// -------------------------------------------------------------------------

// runUDPEcho polls the non-blocking socket with RecvFrom, sleeping
// udpIdleDelay when nothing is pending, and echoes each datagram back with
// SendTo until ctx is done, at which point the socket is closed.
func runUDPEcho(ctx context.Context, sock *socket.Socket, collector *metrics.Collector, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = sock.Close()
	}()

	buf := make([]byte, echoReadSize)
	for {
		n, from, err := sock.RecvFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("udp recv failed", slog.String("error", err.Error()))
			return nil
		}
		if n == 0 && !from.IsValid() {
			if ctx.Err() != nil {
				return nil
			}
			time.Sleep(udpIdleDelay)
			continue
		}
		collector.AddBytesRead("udp", n)
		if _, err := sock.SendTo(buf[:n], from); err != nil {
			logger.Debug("udp send failed", slog.String("error", err.Error()))
			continue
		}
		collector.AddBytesWritten("udp", n)
	}
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")

	// The poller and event-dispatch goroutines exit on ctx.Done() on their
	// own; the event channel is left open rather than closed here since
	// Poller.RunLoop may still be mid-send when this goroutine runs, and
	// netevent.Channel.Close requires the caller to have already stopped
	// sending.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Config, logging, and HTTP server setup
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
