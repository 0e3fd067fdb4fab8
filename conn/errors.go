package conn

import "fmt"

// ConnectError reports a TCP connect, TLS handshake, or pre-authentication
// protocol failure. Always fatal to the connection.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("pgconn: connect failed: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports a rejected or unsupported authentication method.
// Always fatal.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "pgconn: authentication failed: " + e.Reason }

// ProtocolError reports an out-of-sequence message, an unparseable frame,
// or a message arriving in a phase that does not expect it. Always fatal.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "pgconn: protocol error: " + e.Reason }

// ServerError carries the fields of an ErrorResponse received while a
// query was in flight. Non-fatal: the connection returns to the ready
// phase on the ReadyForQuery that follows.
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int32
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pgconn: server error %s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("pgconn: server error %s: %s", e.Code, e.Message)
}

// ArgumentError reports an invalid argument supplied by the caller, such
// as Unlisten with a handle that is not currently registered. Local and
// non-fatal; never touches the connection state machine.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return "pgconn: invalid argument: " + e.Reason }

// terminalError is returned to every queued caller once the supervisor
// has decided to shut the connection down.
type terminalError struct {
	cause error
}

func (e *terminalError) Error() string { return fmt.Sprintf("pgconn: connection closed: %v", e.cause) }
func (e *terminalError) Unwrap() error { return e.cause }
