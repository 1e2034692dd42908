// Command socksrelay is a demo protocol stack built on iocore: it accepts
// SOCKS5 connections (via github.com/armon/go-socks5, the same SOCKS5
// implementation the teacher wstunnel embeds) and relays each one to its
// upstream target through a pair of iocore channel pipelines, the way the
// teacher's SocksSkeletonEndpoint hands one end of a socketpair to the
// go-socks5 server and keeps the other end on its own ChannelConn
// abstraction (share/socks_skeleton_endpoint.go).
//
// This is a demonstration of spec §1's framing — "the foundation for
// building network protocol stacks" — not a production SOCKS5 proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	socks5 "github.com/armon/go-socks5"
	"github.com/jpillora/requestlog"
	"github.com/prep/socketpair"

	"github.com/sammck-go/iocore/channel"
	"github.com/sammck-go/iocore/ioconfig"
	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
	"github.com/sammck-go/iocore/message"
	"github.com/sammck-go/iocore/socket"
	"github.com/sammck-go/iocore/sockethandler"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:1080", "SOCKS5 listen address")
	adminAddr := flag.String("admin", "", "optional HTTP admin listen address (stats); disabled if empty")
	maxReadSize := flag.Int("max-read-size", ioconfig.DefaultMaxReadSize, "per-quantum read ceiling in bytes")
	logLevel := flag.String("log-level", "info", "error|warning|info|debug|trace")
	flag.Parse()

	logger := logx.New(os.Stderr, logx.ParseLevel(*logLevel))

	cfg := ioconfig.Default()
	cfg.MaxReadSize = *maxReadSize
	if err := cfg.Validate(); err != nil {
		log.Fatalf("socksrelay: %s", err)
	}

	socksConfig := &socks5.Config{
		Logger: log.New(os.Stderr, "[socks] ", log.LstdFlags),
	}
	socksServer, err := socks5.New(socksConfig)
	if err != nil {
		log.Fatalf("socksrelay: socks5.New: %s", err)
	}

	loop := ioloop.New()
	go loop.Run()

	r := newRelay(loop, cfg, logger, socksServer)

	ctx, cancel := context.WithCancel(context.Background())
	go sigIntHandler(ctx, cancel)

	if *adminAddr != "" {
		go r.serveAdmin(*adminAddr, logger)
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("socksrelay: listen %s: %s", *listenAddr, err)
	}
	logger.ILogf("SOCKS5 relay listening on %s", *listenAddr)

	go func() {
		<-ctx.Done()
		listener.Close()
		loop.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.ILogf("listener closed: %s", err)
			return
		}
		go r.handle(conn)
	}
}

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Printf("socksrelay: signal received; shutting down")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

// relay owns the shared collaborators every accepted connection's pipeline
// is built from, plus the counters the admin endpoint reports.
type relay struct {
	loop        ioloop.EventLoop
	cfg         ioconfig.Config
	logger      logx.Logger
	socksServer *socks5.Server
	pool        *message.Pool

	activeConns  int64
	totalConns   int64
	bytesRelayed int64
}

func newRelay(loop ioloop.EventLoop, cfg ioconfig.Config, logger logx.Logger, socksServer *socks5.Server) *relay {
	return &relay{
		loop:        loop,
		cfg:         cfg,
		logger:      logger.Fork("relay"),
		socksServer: socksServer,
		pool:        message.NewPool(0),
	}
}

// handle services one accepted client connection end to end: it hands one
// end of an in-memory socketpair to go-socks5 for negotiation and upstream
// dialing, and bridges the other end to the client's own connection
// through two iocore channel pipelines (client->local and local->client),
// exactly the way SocksSkeletonEndpoint.Dial wires a socketpair between
// its ChannelConn and the embedded socks5.Server.
func (r *relay) handle(clientConn net.Conn) {
	atomic.AddInt64(&r.activeConns, 1)
	atomic.AddInt64(&r.totalConns, 1)
	defer atomic.AddInt64(&r.activeConns, -1)

	logger := r.logger.Fork("conn(%s)", clientConn.RemoteAddr())

	localEnd, socksEnd, err := socketpair.New("unix")
	if err != nil {
		logger.WLogf("socketpair.New failed: %s", err)
		clientConn.Close()
		return
	}

	go func() {
		if serr := r.socksServer.ServeConn(socksEnd); serr != nil {
			logger.DLogf("socks5 ServeConn finished: %s", serr)
		}
	}()

	clientSock := socket.NewTCPSocket(clientConn, r.loop, logger.Fork("client"))
	localSock := socket.NewTCPSocket(localEnd, r.loop, logger.Fork("local"))

	chClient, chLocal, hClient, hLocal := r.bridge(logger, clientSock, localSock)

	chClient.WaitShutdown()
	chLocal.WaitShutdown()
	hClient.Destroy()
	hLocal.Destroy()

	atomic.AddInt64(&r.bytesRelayed, hClient.Stats().BytesRead+hLocal.Stats().BytesRead)
	logger.DLogf("connection closed: client read %d, local read %d",
		hClient.Stats().BytesRead, hLocal.Stats().BytesRead)
}

// bridge wires two sockets together with one channel per direction: bytes
// read from a are dispatched downstream straight into b's write path, and
// vice versa. Each channel's own shutdown is propagated to the other, the
// way the teacher's BasicBridgeChannels tears down both ends of a bridged
// pair together.
func (r *relay) bridge(logger logx.Logger, a, b socket.Socket) (chA, chB *channel.Channel, hA, hB *sockethandler.SocketChannelHandler) {
	chA = channel.New(r.loop, logger.Fork("a"))
	chB = channel.New(r.loop, logger.Fork("b"))
	hA = sockethandler.New(a, r.pool, r.cfg, logger.Fork("a"))
	hB = sockethandler.New(b, r.pool, r.cfg, logger.Fork("b"))
	slotA := hA.Attach(chA)
	slotB := hB.Attach(chB)
	slotA.SetDownstreamReadWindow(channel.UnboundedWindow)
	slotB.SetDownstreamReadWindow(channel.UnboundedWindow)

	chA.SetDownstreamSink(func(msg *message.Message) error {
		return slotB.SendMessage(msg, message.Write)
	})
	chB.SetDownstreamSink(func(msg *message.Message) error {
		return slotA.SendMessage(msg, message.Write)
	})

	go func() {
		chA.WaitShutdown()
		chB.Shutdown(hA.LastError())
	}()
	go func() {
		chB.WaitShutdown()
		chA.Shutdown(hB.LastError())
	}()

	return chA, chB, hA, hB
}

// serveAdmin exposes a tiny JSON stats endpoint wrapped with
// jpillora/requestlog, matching the teacher's pattern of wrapping its
// control-plane HTTP handler (share/server.go) with requestlog.Wrap when
// logging is verbose.
func (r *relay) serveAdmin(addr string, logger logx.Logger) {
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, `{"active_connections":%d,"total_connections":%d,"bytes_relayed":%d}`,
			atomic.LoadInt64(&r.activeConns), atomic.LoadInt64(&r.totalConns), atomic.LoadInt64(&r.bytesRelayed))
	})
	if logger.Level() >= logx.LevelDebug {
		h2 := requestlog.Wrap(h)
		logger.ILogf("admin endpoint listening on %s (request logging enabled)", addr)
		log.Fatal(http.ListenAndServe(addr, h2))
	}
	logger.ILogf("admin endpoint listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, h))
}
