package conn

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/tqpgconn/authdigest"
)

// phase is the top-level state label of the connection state machine.
type phase int

const (
	phaseConnecting phase = iota
	phaseSSLNegotiation
	phaseAuthenticating
	phaseBootstrapping
	phaseReady
	phaseBusySimple
	phaseBusyExtendedParse
	phaseBusyExtendedBind
	phaseBusyExtendedExecute
	phaseBusySync
	phaseTerminating
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseSSLNegotiation:
		return "ssl-negotiation"
	case phaseAuthenticating:
		return "authenticating"
	case phaseBootstrapping:
		return "bootstrapping"
	case phaseReady:
		return "ready"
	case phaseBusySimple:
		return "busy-simple"
	case phaseBusyExtendedParse:
		return "busy-extended-parse"
	case phaseBusyExtendedBind:
		return "busy-extended-bind"
	case phaseBusyExtendedExecute:
		return "busy-extended-execute"
	case phaseBusySync:
		return "busy-sync"
	case phaseTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

const bootstrapQuery = `SELECT t.oid, t.typname, t.typtype, t.typbasetype FROM pg_type t LEFT JOIN pg_range r ON r.rngtypid = t.oid`

// connState is the singular Connection State owned by the supervisor's
// actor goroutine. Nothing outside that goroutine ever touches it.
type connState struct {
	phase      phase
	frm        framer
	parameters map[string]string
	backendPID uint32
	backendKey uint32

	types *typeRegistry

	fields []pgproto3.FieldDescription
	rows   [][]any

	statement string
	portal    string

	q         queue
	listeners *listenerRegistry

	opts Options

	scram *authdigest.SCRAMClient

	bootstrapReq        *request
	bootstrapDispatched bool

	pendingCompletions []completion
	pendingDeliveries  []notificationDelivery
}

// notificationDelivery records the fan-out outcome of one NotificationResponse,
// drained by the supervisor so it can report to the Observer.
type notificationDelivery struct {
	delivered, dropped int
}

// completion is recorded by handleFrame whenever the in-flight head
// request finishes (successfully or with a server error) and is drained
// by the supervisor once control returns to its event loop.
type completion struct {
	req    *request
	result *Result
	handle ListenHandle
	err    error
}

func newConnState(opts Options) *connState {
	st := &connState{
		phase:      phaseConnecting,
		parameters: make(map[string]string),
		types:      newTypeRegistry(),
		listeners:  newListenerRegistry(),
		opts:       opts,
	}
	// The type registry bootstrap is itself dispatched before any user
	// request runs: inject a synthetic head request at construction and
	// only mark phase=ready once its ReadyForQuery arrives.
	st.bootstrapReq = &request{kind: requestQuery, sql: bootstrapQuery}
	st.q.pushBack(st.bootstrapReq)
	return st
}

// startupBytes returns the first bytes the supervisor must write to the
// socket: an SSLRequest if opts.SSL is set, otherwise the StartupMessage
// directly.
func (st *connState) startupBytes() []byte {
	if st.opts.SSL {
		st.phase = phaseSSLNegotiation
		buf, _ := (&pgproto3.SSLRequest{}).Encode(nil)
		return buf
	}
	return st.buildStartupMessage()
}

func (st *connState) buildStartupMessage() []byte {
	st.phase = phaseAuthenticating
	params := map[string]string{
		"user":     st.opts.Username,
		"database": st.opts.Database,
	}
	for k, v := range st.opts.Parameters {
		params[k] = v
	}
	msg := &pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: params}
	buf, _ := msg.Encode(nil)
	return buf
}

// handleSSLResponse processes the single out-of-band byte ('S' or 'N')
// that answers an SSLRequest. It never touches the framer: this reply
// predates ordinary message framing.
func (st *connState) handleSSLResponse(b byte) (needsTLSUpgrade bool, err error) {
	switch b {
	case 'S':
		return true, nil
	case 'N':
		// This spec treats a plaintext fallback as fatal rather than
		// silently downgrading; see the open question in SPEC_FULL.md.
		st.phase = phaseTerminating
		return false, &ConnectError{Err: fmt.Errorf("server refused SSL, plaintext fallback not enabled")}
	default:
		st.phase = phaseTerminating
		return false, &ProtocolError{Reason: fmt.Sprintf("unexpected SSL negotiation byte %q", b)}
	}
}

// afterTLSUpgrade resumes startup once the raw socket has been wrapped in
// TLS: reset phase to connecting and send the StartupMessage.
func (st *connState) afterTLSUpgrade() []byte {
	st.phase = phaseConnecting
	return st.buildStartupMessage()
}

// handleFrame interprets one complete backend frame relative to the
// current phase and returns any bytes the supervisor must write next.
func (st *connState) handleFrame(frame []byte) (writes [][]byte, err error) {
	msg, err := decodeBackendMessage(frame)
	if err != nil {
		st.phase = phaseTerminating
		if authErr, ok := err.(*AuthError); ok {
			return nil, authErr
		}
		return nil, &ProtocolError{Reason: err.Error()}
	}

	switch m := msg.(type) {
	case *pgproto3.ParameterStatus:
		st.parameters[m.Name] = m.Value
		return nil, nil

	case *pgproto3.NoticeResponse:
		// Silently discarded; a user-provided sink can be wired in at
		// the supervisor level without changing this component.
		return nil, nil

	case *pgproto3.BackendKeyData:
		st.backendPID = m.ProcessID
		st.backendKey = m.SecretKey
		return nil, nil

	case *pgproto3.NotificationResponse:
		delivered, dropped := st.listeners.dispatch(m.Channel, Notification{Channel: m.Channel, Payload: m.Payload})
		st.pendingDeliveries = append(st.pendingDeliveries, notificationDelivery{delivered: delivered, dropped: dropped})
		return nil, nil

	case *pgproto3.AuthenticationOk:
		if st.phase != phaseAuthenticating {
			return nil, st.protoErr("AuthenticationOk outside authenticating phase")
		}
		// The server still owes us the ReadyForQuery that closes out
		// startup (after any ParameterStatus/BackendKeyData); the
		// bootstrap query is dispatched once that arrives, in
		// onReadyForQuery below.
		st.phase = phaseBootstrapping
		return nil, nil

	case *pgproto3.AuthenticationCleartextPassword:
		pw, _ := (&pgproto3.PasswordMessage{Password: authdigest.Cleartext(st.opts.Password)}).Encode(nil)
		return [][]byte{pw}, nil

	case *pgproto3.AuthenticationMD5Password:
		var salt [4]byte
		copy(salt[:], m.Salt[:])
		digest := authdigest.MD5(st.opts.Password, st.opts.Username, salt)
		pw, _ := (&pgproto3.PasswordMessage{Password: digest}).Encode(nil)
		return [][]byte{pw}, nil

	case *pgproto3.AuthenticationSASL:
		if !authdigest.Offers(m.AuthMechanisms) {
			st.phase = phaseTerminating
			return nil, &AuthError{Reason: "server does not offer SCRAM-SHA-256"}
		}
		client, cerr := authdigest.NewSCRAMClient(st.opts.Username, st.opts.Password)
		if cerr != nil {
			st.phase = phaseTerminating
			return nil, &AuthError{Reason: cerr.Error()}
		}
		st.scram = client
		out, _ := (&pgproto3.SASLInitialResponse{
			AuthMechanism: authdigest.Mechanism,
			Data:          client.ClientFirstMessage(),
		}).Encode(nil)
		return [][]byte{out}, nil

	case *pgproto3.AuthenticationSASLContinue:
		if st.scram == nil {
			return nil, st.protoErr("SASLContinue without a SCRAM exchange in progress")
		}
		final, ferr := st.scram.ClientFinalMessage(m.Data)
		if ferr != nil {
			st.phase = phaseTerminating
			return nil, &AuthError{Reason: ferr.Error()}
		}
		out, _ := (&pgproto3.SASLResponse{Data: final}).Encode(nil)
		return [][]byte{out}, nil

	case *pgproto3.AuthenticationSASLFinal:
		if st.scram == nil {
			return nil, st.protoErr("SASLFinal without a SCRAM exchange in progress")
		}
		if verr := st.scram.VerifyServerFinal(m.Data); verr != nil {
			st.phase = phaseTerminating
			return nil, &AuthError{Reason: verr.Error()}
		}
		st.scram = nil
		return nil, nil

	case *pgproto3.ErrorResponse:
		fields := serverErrorFromWire(m)
		switch st.phase {
		case phaseAuthenticating:
			st.phase = phaseTerminating
			return nil, &AuthError{Reason: fields.Message}
		case phaseBootstrapping, phaseConnecting, phaseSSLNegotiation:
			st.phase = phaseTerminating
			return nil, &ConnectError{Err: fields}
		default:
			if head, ok := st.q.peek(); ok {
				head.err = fields
				st.finishHead(nil)
			}
			return nil, nil
		}

	case *pgproto3.RowDescription:
		st.fields = m.Fields
		st.rows = nil
		return nil, nil

	case *pgproto3.NoData:
		st.fields = nil
		st.rows = nil
		return nil, nil

	case *pgproto3.DataRow:
		st.rows = append(st.rows, st.decodeRow(m))
		return nil, nil

	case *pgproto3.ParseComplete, *pgproto3.BindComplete, *pgproto3.ParameterDescription:
		return nil, nil

	case *pgproto3.PortalSuspended:
		// Treated as completion with the partial rows accumulated so
		// far; see the paging open question.
		st.finishHead(st.buildResult("SUSPENDED"))
		return nil, nil

	case *pgproto3.CommandComplete:
		result := st.buildResult(string(m.CommandTag))
		if head, ok := st.q.peek(); ok && head == st.bootstrapReq {
			st.types.bootstrap(parseBootstrapRows(result.Rows))
		}
		st.finishHead(result)
		return nil, nil

	case *pgproto3.EmptyQueryResponse:
		st.finishHead(st.buildResult(""))
		return nil, nil

	case *pgproto3.CloseComplete:
		return nil, nil

	case *pgproto3.ReadyForQuery:
		return st.onReadyForQuery()

	default:
		return nil, st.protoErr(fmt.Sprintf("unhandled backend message %T", msg))
	}
	return nil, nil
}

func (st *connState) protoErr(reason string) error {
	st.phase = phaseTerminating
	return &ProtocolError{Reason: reason}
}

func (st *connState) buildResult(tag string) *Result {
	names := make([]string, len(st.fields))
	for i, f := range st.fields {
		names[i] = string(f.Name)
	}
	rows := st.rows
	st.fields = nil
	st.rows = nil
	return &Result{Columns: names, Rows: rows, CommandTag: tag, NumRows: int64(len(rows))}
}

func (st *connState) decodeRow(m *pgproto3.DataRow) []any {
	row := make([]any, len(m.Values))
	for i, v := range m.Values {
		oid := uint32(0)
		formatCode := int16(0)
		if i < len(st.fields) {
			oid = st.fields[i].DataTypeOID
			formatCode = st.fields[i].Format
		}
		row[i] = st.types.decode(oid, formatCode, v)
	}
	return row
}

// finishHead records the completion of the current head-of-queue
// request. The queue entry is not popped here: popping happens once
// onReadyForQuery runs, per the peek-then-pop-on-completion design.
func (st *connState) finishHead(result *Result) {
	head, ok := st.q.peek()
	if !ok {
		return
	}
	var err error
	if head.err != nil {
		err = head.err
	}
	head.done = true
	st.pendingCompletions = append(st.pendingCompletions, completion{req: head, result: result, err: err})
}

// onReadyForQuery advances bootstrap/ready transitions and dispatches
// the new queue head if one exists.
//
// The first ReadyForQuery the server ever sends closes out startup
// (after any ParameterStatus/BackendKeyData) and carries no query
// result of its own; that is when the bootstrap request queued at
// construction is actually sent for the first time. The ReadyForQuery
// that follows is the bootstrap query's own completion, which pops it
// and moves the connection to ready.
func (st *connState) onReadyForQuery() (writes [][]byte, err error) {
	switch st.phase {
	case phaseBootstrapping:
		if !st.bootstrapDispatched {
			st.bootstrapDispatched = true
			writes, err = st.startRequest(st.bootstrapReq)
			if err != nil {
				return nil, err
			}
			st.phase = phaseBootstrapping
			return writes, nil
		}
		if head, ok := st.q.peek(); ok && head == st.bootstrapReq {
			st.q.pop()
			st.bootstrapReq = nil
		}
		st.phase = phaseReady

	default:
		if head, hasHead := st.q.peek(); hasHead && head.done {
			st.q.pop()
		}
		st.phase = phaseReady
	}

	next, ok := st.q.peek()
	if !ok {
		return nil, nil
	}
	return st.startRequest(next)
}

// startRequest dispatches the new head of the queue according to its
// kind, choosing the Simple or Extended Query flow for queries.
func (st *connState) startRequest(req *request) (writes [][]byte, err error) {
	switch req.kind {
	case requestQuery:
		if len(req.args) == 0 && len(req.queryOpts.ParamOIDs) == 0 {
			st.phase = phaseBusySimple
			buf, _ := (&pgproto3.Query{String: req.sql}).Encode(nil)
			return [][]byte{buf}, nil
		}
		return st.startExtendedQuery(req)

	case requestListen, requestUnlisten, requestInternalUnlisten:
		st.phase = phaseBusySimple
		buf, _ := (&pgproto3.Query{String: req.sql}).Encode(nil)
		return [][]byte{buf}, nil

	case requestDummy:
		st.finishHead(&Result{})
		return st.onReadyForQuery()

	default:
		return nil, st.protoErr(fmt.Sprintf("unhandled request kind %d", req.kind))
	}
}

func (st *connState) startExtendedQuery(req *request) (writes [][]byte, err error) {
	st.statement = ""
	st.portal = ""

	parse := &pgproto3.Parse{Name: st.statement, Query: req.sql, ParameterOIDs: req.queryOpts.ParamOIDs}
	parseBuf, _ := parse.Encode(nil)
	writes = append(writes, parseBuf)

	skipDescribe := len(req.queryOpts.ParamOIDs) > 0 && len(req.queryOpts.ResultOIDs) > 0
	if !skipDescribe {
		describeBuf, _ := (&pgproto3.Describe{ObjectType: 'S', Name: st.statement}).Encode(nil)
		writes = append(writes, describeBuf)
	}

	paramFormats := make([]int16, len(req.args))
	paramValues := make([][]byte, len(req.args))
	for i, a := range req.args {
		oid := uint32(0)
		if i < len(req.queryOpts.ParamOIDs) {
			oid = req.queryOpts.ParamOIDs[i]
		}
		fc := st.types.formatCode(oid, st.opts.Formatter)
		paramFormats[i] = fc
		buf, encErr := st.types.encode(oid, fc, a)
		if encErr != nil {
			return nil, &ArgumentError{Reason: encErr.Error()}
		}
		paramValues[i] = buf
	}
	resultFormats := make([]int16, len(req.queryOpts.ResultOIDs))
	for i, oid := range req.queryOpts.ResultOIDs {
		resultFormats[i] = st.types.formatCode(oid, st.opts.Formatter)
	}

	bind := &pgproto3.Bind{
		DestinationPortal:    st.portal,
		PreparedStatement:    st.statement,
		ParameterFormatCodes: paramFormats,
		Parameters:           paramValues,
		ResultFormatCodes:    resultFormats,
	}
	bindBuf, _ := bind.Encode(nil)
	writes = append(writes, bindBuf)

	executeBuf, _ := (&pgproto3.Execute{Portal: st.portal, MaxRows: 0}).Encode(nil)
	writes = append(writes, executeBuf)

	syncBuf, _ := (&pgproto3.Sync{}).Encode(nil)
	writes = append(writes, syncBuf)

	st.phase = phaseBusyExtendedParse
	return writes, nil
}

func serverErrorFromWire(m *pgproto3.ErrorResponse) *ServerError {
	return &ServerError{
		Severity: m.Severity,
		Code:     m.Code,
		Message:  m.Message,
		Detail:   m.Detail,
		Hint:     m.Hint,
		Position: m.Position,
	}
}

// decodeBackendMessage identifies the backend message carried by frame
// (type byte + 4-byte length + payload) and decodes it using the message
// codec collaborator (pgproto3). Auth subtypes share type byte 'R' and
// must be disambiguated by the 4-byte code at the start of the payload.
func decodeBackendMessage(frame []byte) (pgproto3.BackendMessage, error) {
	if len(frame) < frameHeaderLen {
		return nil, fmt.Errorf("short frame (%d bytes)", len(frame))
	}
	if declared := binary.BigEndian.Uint32(frame[1:frameHeaderLen]); declared < 4 {
		return nil, fmt.Errorf("declared frame length %d is shorter than the length field", declared)
	}
	msgType := frame[0]
	payload := frame[frameHeaderLen:]

	var msg pgproto3.BackendMessage
	switch msgType {
	case 'R':
		if len(payload) < 4 {
			return nil, fmt.Errorf("authentication message too short")
		}
		switch binary.BigEndian.Uint32(payload[:4]) {
		case 0:
			msg = &pgproto3.AuthenticationOk{}
		case 3:
			msg = &pgproto3.AuthenticationCleartextPassword{}
		case 5:
			msg = &pgproto3.AuthenticationMD5Password{}
		case 10:
			msg = &pgproto3.AuthenticationSASL{}
		case 11:
			msg = &pgproto3.AuthenticationSASLContinue{}
		case 12:
			msg = &pgproto3.AuthenticationSASLFinal{}
		default:
			return nil, &AuthError{Reason: "unsupported auth"}
		}
	case 'S':
		msg = &pgproto3.ParameterStatus{}
	case 'K':
		msg = &pgproto3.BackendKeyData{}
	case 'Z':
		msg = &pgproto3.ReadyForQuery{}
	case 'T':
		msg = &pgproto3.RowDescription{}
	case 'D':
		msg = &pgproto3.DataRow{}
	case 'C':
		msg = &pgproto3.CommandComplete{}
	case 'I':
		msg = &pgproto3.EmptyQueryResponse{}
	case 's':
		msg = &pgproto3.PortalSuspended{}
	case '1':
		msg = &pgproto3.ParseComplete{}
	case '2':
		msg = &pgproto3.BindComplete{}
	case '3':
		msg = &pgproto3.CloseComplete{}
	case 'n':
		msg = &pgproto3.NoData{}
	case 't':
		msg = &pgproto3.ParameterDescription{}
	case 'E':
		msg = &pgproto3.ErrorResponse{}
	case 'N':
		msg = &pgproto3.NoticeResponse{}
	case 'A':
		msg = &pgproto3.NotificationResponse{}
	default:
		return nil, fmt.Errorf("unknown backend message type %q", msgType)
	}
	if err := msg.Decode(payload); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", msg, err)
	}
	return msg, nil
}
