package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Observer receives best-effort notifications about connection internals.
// It exists so the actor loop can report to the metrics package (and any
// other sink) without importing it back; metrics.Collector implements
// this interface. All methods must return promptly: they run on the
// actor goroutine.
type Observer interface {
	Phase(name string)
	QueueDepth(n int)
	RequestCompleted(kind string, ok bool)
	NotificationDelivery(delivered, dropped int)
	AuthOutcome(method string, ok bool)
}

type noopObserver struct{}

func (noopObserver) Phase(string)                  {}
func (noopObserver) QueueDepth(int)                {}
func (noopObserver) RequestCompleted(string, bool) {}
func (noopObserver) NotificationDelivery(int, int) {}
func (noopObserver) AuthOutcome(string, bool)      {}

// Conn is the public handle onto a single PostgreSQL session. Every
// method is a synchronous request/response against the actor goroutine
// started by Open; the caller blocks until a reply is posted or its
// context is done.
type Conn struct {
	events   chan event
	deathCh  chan subscriberID
	stopCh   chan chan struct{}
	closed   chan struct{}
	observer Observer
	timeout  time.Duration

	subscriberSeq uint64

	// phaseState and queueDepthState cache the latest values the actor
	// loop reports so that Phase/QueueDepth can be read from any
	// goroutine (used by the debugapi introspection server) without
	// requiring a round trip through the actor.
	phaseState      atomic.Value
	queueDepthState atomic.Int64

	// certWatcher is non-nil when resolveTLSConfig started a tlswatch
	// Watcher for this connection; Close stops it alongside the socket.
	certWatcher io.Closer
}

// Phase returns the connection's most recently observed phase name. Safe
// to call from any goroutine.
func (c *Conn) Phase() string {
	if v, ok := c.phaseState.Load().(string); ok {
		return v
	}
	return ""
}

// QueueDepth returns the connection's most recently observed queue
// depth. Safe to call from any goroutine.
func (c *Conn) QueueDepth() int {
	return int(c.queueDepthState.Load())
}

func (c *Conn) setPhase(name string) {
	c.phaseState.Store(name)
	c.observer.Phase(name)
}

func (c *Conn) setQueueDepth(n int) {
	c.queueDepthState.Store(int64(n))
	c.observer.QueueDepth(n)
}

// Open dials hostname:port, runs the startup handshake (optionally
// upgrading to TLS first), and starts the connection's actor goroutine.
// It does not return until the server reports phase=ready, i.e. the
// type-registry bootstrap has completed.
func Open(ctx context.Context, opts Options, observer Observer) (*Conn, error) {
	opts = opts.WithDefaults()
	if observer == nil {
		observer = noopObserver{}
	}

	addr := net.JoinHostPort(opts.Hostname, strconv.Itoa(opts.Port))
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}

	st := newConnState(opts)
	socket, certWatcher, err := performStartup(rawConn, st, opts)
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	c := &Conn{
		events:      make(chan event),
		deathCh:     make(chan subscriberID),
		stopCh:      make(chan chan struct{}),
		closed:      make(chan struct{}),
		observer:    observer,
		timeout:     opts.Timeout,
		certWatcher: certWatcher,
	}

	readCh := make(chan readResult)
	go readLoop(socket, readCh)
	go c.run(st, socket, readCh)

	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// performStartup runs the handshake synchronously on the caller's
// goroutine: send SSLRequest if requested, negotiate TLS, then send
// StartupMessage. It returns the net.Conn the actor loop should use from
// then on (the original socket, or a tls.Conn wrapping it), plus the
// tlswatch Watcher to close alongside it, if one was started.
func performStartup(socket net.Conn, st *connState, opts Options) (net.Conn, io.Closer, error) {
	if _, err := socket.Write(st.startupBytes()); err != nil {
		return nil, nil, &ConnectError{Err: err}
	}

	var certWatcher io.Closer
	if opts.SSL {
		var reply [1]byte
		if _, err := readFull(socket, reply[:]); err != nil {
			return nil, nil, &ConnectError{Err: err}
		}
		upgrade, err := st.handleSSLResponse(reply[0])
		if err != nil {
			return nil, nil, err
		}
		if upgrade {
			cfg, watcher, err := resolveTLSConfig(opts)
			if err != nil {
				return nil, nil, err
			}
			certWatcher = watcher
			tlsConn := tls.Client(socket, cfg)
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				if certWatcher != nil {
					certWatcher.Close()
				}
				return nil, nil, &ConnectError{Err: err}
			}
			socket = tlsConn
		}
		if _, err := socket.Write(st.afterTLSUpgrade()); err != nil {
			return nil, nil, &ConnectError{Err: err}
		}
	}
	return socket, certWatcher, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// awaitReady blocks until bootstrap finishes, by issuing the dummy
// request every caller transparently rides behind: the real bootstrap
// request is already queued by newConnState, so we only need to wait for
// the connection to either go fatal or reach phase=ready. We detect this
// with a zero-payload ping request appended right after bootstrap.
func (c *Conn) awaitReady(ctx context.Context) error {
	resultCh := make(chan reply, 1)
	req := &request{kind: requestDummy, replyTo: resultCh}
	select {
	case c.events <- reqEvent{req: req}:
	case <-c.closed:
		return &ConnectError{Err: fmt.Errorf("connection closed during startup")}
	}
	select {
	case r := <-resultCh:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return &ConnectError{Err: fmt.Errorf("connection closed during startup")}
	}
}

// Query runs sql through the Simple Query flow when no arguments or type
// hints are supplied, or the Extended Query flow otherwise.
func (c *Conn) Query(ctx context.Context, sql string, args []any, opts QueryOptions) (*Result, error) {
	ctx, cancel := timeoutContext(ctx, c.timeout)
	defer cancel()

	resultCh := make(chan reply, 1)
	req := &request{kind: requestQuery, sql: sql, args: args, queryOpts: opts, replyTo: resultCh}
	if err := c.send(ctx, reqEvent{req: req}); err != nil {
		return nil, err
	}
	select {
	case r := <-resultCh:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen subscribes to channel. Notifications are delivered on notifyCh,
// which the caller must keep draining; a slow reader causes dropped
// notifications rather than blocking the connection (see Observer).
//
// channel is concatenated verbatim into the LISTEN/UNLISTEN SQL text with
// no identifier quoting; a channel name containing whitespace, quotes or
// upper-case letters that must be preserved has to be quoted by the caller.
func (c *Conn) Listen(ctx context.Context, channel string, notifyCh chan Notification) (ListenHandle, error) {
	sub := subscriberID(atomic.AddUint64(&c.subscriberSeq, 1))
	resultCh := make(chan reply, 1)
	req := &request{kind: requestListen, channel: channel, subscriber: sub, notifyCh: notifyCh, replyTo: resultCh}
	if err := c.send(ctx, reqEvent{req: req}); err != nil {
		return 0, err
	}
	select {
	case r := <-resultCh:
		if r.err == nil {
			// The subscriber's liveness is tied to ctx: once it is done,
			// treat that as the subscriber's death so the registry drains
			// this (and any other) handle it still owns.
			go func() {
				<-ctx.Done()
				select {
				case c.deathCh <- sub:
				case <-c.closed:
				}
			}()
		}
		return r.handle, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Unlisten cancels a subscription previously returned by Listen.
func (c *Conn) Unlisten(ctx context.Context, handle ListenHandle) error {
	ctx, cancel := timeoutContext(ctx, c.timeout)
	defer cancel()

	resultCh := make(chan reply, 1)
	req := &request{kind: requestUnlisten, unlisten: handle, replyTo: resultCh}
	if err := c.send(ctx, reqEvent{req: req}); err != nil {
		return err
	}
	select {
	case r := <-resultCh:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the session: every queued request, including the
// in-flight one, receives a terminal error, a Terminate message is sent,
// and the socket is closed. On a connection that has already shut down
// it only stops the certificate watcher, if any.
func (c *Conn) Close() error {
	done := make(chan struct{})
	select {
	case c.stopCh <- done:
		<-done
	case <-c.closed:
	}
	if c.certWatcher != nil {
		c.certWatcher.Close()
	}
	return nil
}

func (c *Conn) send(ctx context.Context, e event) error {
	select {
	case c.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return &terminalError{cause: fmt.Errorf("connection closed")}
	}
}

// timeoutContext applies Options.Timeout when the caller did not already
// set a tighter deadline; client façades built on top of Conn use this to
// honor the configured default per-call timeout.
func timeoutContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
