package conn

// requestKind discriminates the payload union described for the Request
// element of the queue. The spec's Connect(opts) payload has no entry
// here: Open/performStartup run the handshake synchronously before the
// actor goroutine (and its queue) even exist, so there is nothing for a
// queued Connect request to do.
type requestKind int

const (
	requestQuery requestKind = iota
	requestListen
	requestUnlisten
	requestInternalUnlisten
	requestDummy
)

// Result is the shape returned by a successful query.
type Result struct {
	Columns     []string
	Rows        [][]any
	CommandTag  string
	NumRows     int64
}

// reply is posted back to a caller exactly once, whether the request
// completed with a result, a handle, or an error.
type reply struct {
	result *Result
	handle ListenHandle
	err    error
}

// request is one element of the Request Queue (C3). replyTo is nil for
// internally injected commands (synthetic LISTEN/UNLISTEN), in which case
// the completed reply is discarded rather than delivered.
type request struct {
	kind requestKind

	sql        string
	args       []any
	queryOpts  QueryOptions

	channel    string
	subscriber subscriberID
	notifyCh   chan Notification
	unlisten   ListenHandle

	// boundHandle is filled in synchronously by the supervisor the
	// moment a Listen request is processed (see C4): registry
	// bookkeeping happens immediately, independent of whether a LISTEN
	// round trip to the server is still outstanding.
	boundHandle ListenHandle

	replyTo chan reply
	err     *ServerError // attached by the protocol state machine on ErrorResponse

	// done is set by finishHead once this request's completion has been
	// recorded. It is a persistent property of the request itself rather
	// than a scan of the transient per-frame pendingCompletions slice, so
	// onReadyForQuery can still tell a completed head from an unfinished
	// one on the frame *after* the one that completed it.
	done bool
}

// queue is the FIFO of pending requests described in C3. Popping happens
// only on completion (see protocol.go), not when a request becomes head,
// so that a server error arriving mid-query still has a well-defined
// target and so replies fire even for internally injected commands.
type queue struct {
	items []*request
}

func (q *queue) pushBack(r *request) { q.items = append(q.items, r) }

// pushFront injects r ahead of the current head, used when listener
// cleanup must synthesize a LISTEN/UNLISTEN without disturbing whatever
// reply slot the current head already holds.
func (q *queue) pushFront(r *request) {
	q.items = append([]*request{r}, q.items...)
}

func (q *queue) peek() (*request, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *queue) pop() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

func (q *queue) len() int { return len(q.items) }

// drain empties the queue and returns everything it held, used when the
// supervisor terminates and must reply a terminal error to every caller.
func (q *queue) drain() []*request {
	items := q.items
	q.items = nil
	return items
}
