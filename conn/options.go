package conn

import (
	"crypto/tls"
	"os"
	"strconv"
	"time"
)

// Formatter picks the wire format (text or binary) to request for a
// result column, given its type OID. The default built into the type
// registry returns binary whenever a binary codec is known for the OID.
type Formatter func(oid uint32) int16

// Options configures a new connection. Zero-value fields fall back to
// the process environment or the documented default, the same precedence
// libpq uses (PGHOST, PGUSER, PGPASSWORD, falling back to USER).
type Options struct {
	Hostname string
	Port     int
	Database string
	Username string
	Password string

	// Parameters are sent verbatim as additional StartupMessage
	// parameters (e.g. "application_name", "client_encoding").
	Parameters map[string]string

	// Timeout bounds each Query and Unlisten call; zero means unbounded.
	// It is enforced by the caller side only (see timeoutContext) and
	// never observed by the actor loop itself.
	Timeout time.Duration

	SSL       bool
	TLSConfig *tls.Config

	// CertFile and KeyFile, when both set and TLSConfig is nil, cause
	// Open to build a TLSConfig whose client certificate is kept fresh
	// by a tlswatch.Watcher (D4) for the lifetime of the connection.
	CertFile string
	KeyFile  string

	Formatter Formatter
}

// WithDefaults returns a copy of o with unset fields filled from the
// environment, mirroring libpq's PGHOST/PGPORT/PGUSER/PGPASSWORD/USER
// conventions.
func (o Options) WithDefaults() Options {
	if o.Hostname == "" {
		o.Hostname = envOr("PGHOST", "localhost")
	}
	if o.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("PGPORT")); err == nil && p > 0 {
			o.Port = p
		} else {
			o.Port = 5432
		}
	}
	if o.Username == "" {
		o.Username = envOr("PGUSER", os.Getenv("USER"))
	}
	if o.Password == "" {
		o.Password = os.Getenv("PGPASSWORD")
	}
	if o.Parameters == nil {
		o.Parameters = map[string]string{}
	}
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// QueryOptions carries per-query overrides. ParamOIDs and ResultOIDs must
// either both be supplied (enabling the short-circuit Extended Query path
// that skips Describe) or both be left empty.
type QueryOptions struct {
	ParamOIDs  []uint32
	ResultOIDs []uint32
}
