package conn

import (
	"errors"
	"io"
	"log"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
)

// event is the client-request occurrence the actor loop reacts to on
// c.events; the other two event kinds named in the design (socket
// readable, subscriber-death signal) arrive on their own dedicated
// channels below since they carry no per-call reply slot.
type event interface{ isEvent() }

type reqEvent struct{ req *request }

func (reqEvent) isEvent() {}

// readResult is what the dedicated reader goroutine hands to the actor.
// The channel is unbuffered, so the reader blocks after every read until
// the actor has consumed the previous chunk — the one-shot-armed
// backpressure the supervisor relies on to avoid unbounded buffering.
type readResult struct {
	data []byte
	err  error
}

func readLoop(socket net.Conn, out chan<- readResult) {
	buf := make([]byte, 16*1024)
	for {
		n, err := socket.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- readResult{data: chunk}
		}
		if err != nil {
			out <- readResult{err: err}
			return
		}
	}
}

// run is the Connection Supervisor's single-threaded event loop (C5). It
// is the sole mutator of st for the lifetime of the connection.
func (c *Conn) run(st *connState, socket net.Conn, readCh <-chan readResult) {
	defer close(c.closed)
	defer socket.Close()

	c.setPhase(st.phase.String())

	for {
		select {
		case e := <-c.events:
			c.handleEvent(st, socket, e)

		case sub := <-c.deathCh:
			c.drainSubscriber(st, socket, sub)

		case rr := <-readCh:
			if rr.err != nil {
				c.terminate(st, socket, rr.err)
				return
			}
			if fatal := c.feedBytes(st, socket, rr.data); fatal != nil {
				c.terminate(st, socket, fatal)
				return
			}

		case done := <-c.stopCh:
			c.replyAllPending(st, &terminalError{cause: errors.New("connection closed by caller")})
			terminate, _ := (&pgproto3.Terminate{}).Encode(nil)
			c.writeAll(socket, [][]byte{terminate})
			close(done)
			return
		}

		if st.phase == phaseTerminating {
			c.terminate(st, socket, errors.New("fatal protocol condition"))
			return
		}
	}
}

func (c *Conn) handleEvent(st *connState, socket net.Conn, e event) {
	ev, ok := e.(reqEvent)
	if !ok {
		return
	}
	switch ev.req.kind {
	case requestListen:
		c.handleListen(st, socket, ev.req)
	case requestUnlisten:
		c.handleUnlisten(st, socket, ev.req)
	default:
		c.enqueue(st, socket, ev.req)
	}
}

func (c *Conn) enqueue(st *connState, socket net.Conn, req *request) {
	wasIdle := st.phase == phaseReady && st.q.len() == 0
	st.q.pushBack(req)
	c.setQueueDepth(st.q.len())
	if wasIdle {
		c.dispatchHead(st, socket)
	}
}

// handleListen implements C4's listen operation: registry bookkeeping
// happens immediately and unconditionally. Only the first subscriber of
// a channel causes a LISTEN round trip; the caller's reply is deferred
// until that completes, carrying the handle already bound above.
func (c *Conn) handleListen(st *connState, socket net.Conn, req *request) {
	handle, first := st.listeners.bind(req.channel, req.subscriber, req.notifyCh)
	req.boundHandle = handle
	if !first {
		if req.replyTo != nil {
			req.replyTo <- reply{handle: handle}
		}
		return
	}
	req.sql = listenSQL(req.channel)
	c.enqueue(st, socket, req)
}

// handleUnlisten implements C4's unlisten operation: an unknown handle
// is a local ArgumentError; otherwise the registry is updated
// immediately, and only draining the last subscriber of a channel causes
// an UNLISTEN round trip before the ok reply is delivered.
func (c *Conn) handleUnlisten(st *connState, socket net.Conn, req *request) {
	channel, drained, ok := st.listeners.unbind(req.unlisten)
	if !ok {
		if req.replyTo != nil {
			req.replyTo <- reply{err: &ArgumentError{Reason: "unknown listen handle"}}
		}
		return
	}
	if !drained {
		if req.replyTo != nil {
			req.replyTo <- reply{}
		}
		return
	}
	req.sql = unlistenSQL(channel)
	c.enqueue(st, socket, req)
}

// dispatchHead starts the current queue head if the connection is ready
// to accept a new request; used both for freshly enqueued requests and
// after ReadyForQuery advances the queue.
func (c *Conn) dispatchHead(st *connState, socket net.Conn) {
	head, ok := st.q.peek()
	if !ok {
		return
	}
	writes, err := st.startRequest(head)
	if err != nil {
		c.failHead(st, err)
		return
	}
	c.writeAll(socket, writes)
	// startRequest resolves requestDummy synchronously (no wire round
	// trip), so its completion is already sitting in pendingCompletions
	// by the time we get here. feedBytes drains that slice after every
	// frame, but a call reached from enqueue/drainSubscriber isn't inside
	// that loop, so drain here too or the reply never reaches replyTo.
	c.drainCompletions(st)
}

func (c *Conn) feedBytes(st *connState, socket net.Conn, data []byte) error {
	frames := st.frm.feed(data)
	for _, frame := range frames {
		prevPhase := st.phase
		writes, err := st.handleFrame(frame)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.observer.AuthOutcome("auth", false)
			}
			return err
		}
		if prevPhase == phaseAuthenticating && st.phase == phaseBootstrapping {
			c.observer.AuthOutcome("auth", true)
		}
		c.writeAll(socket, writes)
		c.drainCompletions(st)
		if prevPhase != phaseReady && st.phase == phaseReady {
			c.setPhase(st.phase.String())
		}
	}
	return nil
}

func (c *Conn) drainCompletions(st *connState) {
	for _, comp := range st.pendingCompletions {
		c.deliverCompletion(st, comp)
	}
	st.pendingCompletions = nil
	for _, d := range st.pendingDeliveries {
		c.observer.NotificationDelivery(d.delivered, d.dropped)
	}
	st.pendingDeliveries = nil
	c.setQueueDepth(st.q.len())
}

// deliverCompletion routes a finished head-of-queue request: an ordinary
// query result or server error goes straight to the caller (if any); a
// completed Listen/Unlisten first runs its registry bookkeeping, which
// may itself enqueue the internal follow-up command described in C4.
func (c *Conn) deliverCompletion(st *connState, comp completion) {
	req := comp.req
	switch req.kind {
	case requestListen:
		c.observer.RequestCompleted("listen", comp.err == nil)
		if req.replyTo != nil {
			req.replyTo <- reply{handle: req.boundHandle, err: comp.err}
		}
	case requestUnlisten:
		c.observer.RequestCompleted("unlisten", comp.err == nil)
		if req.replyTo != nil {
			req.replyTo <- reply{err: comp.err}
		}
	case requestInternalUnlisten:
		// Internally injected: no caller to notify.
	default:
		c.observer.RequestCompleted("query", comp.err == nil)
		if req.replyTo != nil {
			req.replyTo <- reply{result: comp.result, err: comp.err}
		}
	}
}

func (c *Conn) failHead(st *connState, err error) {
	head, ok := st.q.peek()
	if !ok {
		return
	}
	st.q.pop()
	c.observer.RequestCompleted("query", false)
	if head.replyTo != nil {
		head.replyTo <- reply{err: err}
	}
}

func (c *Conn) writeAll(socket net.Conn, writes [][]byte) {
	for _, w := range writes {
		if _, err := socket.Write(w); err != nil {
			log.Printf("[pgconn] write error: %v", err)
			return
		}
	}
}

// drainSubscriber implements the subscriber-death branch of C4: every
// handle owned by sub is unbound; channels that drain to zero get an
// internally injected UNLISTEN, placed ahead of the queue so it cannot
// corrupt whatever reply the current head already holds.
func (c *Conn) drainSubscriber(st *connState, socket net.Conn, sub subscriberID) {
	for _, h := range st.listeners.handlesFor(sub) {
		channel, drained, ok := st.listeners.unbind(h)
		if !ok || !drained {
			continue
		}
		wasIdle := st.phase == phaseReady && st.q.len() == 0
		st.q.pushFront(&request{kind: requestInternalUnlisten, sql: unlistenSQL(channel)})
		c.setQueueDepth(st.q.len())
		if wasIdle {
			c.dispatchHead(st, socket)
		}
	}
}

func unlistenSQL(channel string) string { return "UNLISTEN " + channel }
func listenSQL(channel string) string   { return "LISTEN " + channel }

func (c *Conn) replyAllPending(st *connState, err error) {
	pending := st.q.drain()
	for _, req := range pending {
		if req.replyTo != nil {
			req.replyTo <- reply{err: err}
		}
	}
}

func (c *Conn) terminate(st *connState, socket net.Conn, cause error) {
	st.phase = phaseTerminating
	c.setPhase(st.phase.String())
	c.replyAllPending(st, &terminalError{cause: cause})
	_ = socket.Close()
	if !errors.Is(cause, io.EOF) {
		log.Printf("[pgconn] connection terminated: %v", cause)
	}
}
