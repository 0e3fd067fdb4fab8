package conn

import (
	"crypto/tls"
	"io"

	"github.com/mevdschee/tqpgconn/tlswatch"
)

// resolveTLSConfig builds the *tls.Config performStartup should use for
// the TLS upgrade. When the caller already supplied one, it is used
// unchanged. Otherwise, if CertFile/KeyFile are both set, a tlswatch
// Watcher (D4) is started to keep the client certificate fresh for the
// life of the connection; the returned io.Closer must be closed
// alongside the socket.
func resolveTLSConfig(opts Options) (*tls.Config, io.Closer, error) {
	if opts.TLSConfig != nil {
		return opts.TLSConfig, nil, nil
	}
	if opts.CertFile == "" || opts.KeyFile == "" {
		return &tls.Config{ServerName: opts.Hostname}, nil, nil
	}
	watcher, err := tlswatch.New(opts.CertFile, opts.KeyFile, nil)
	if err != nil {
		return nil, nil, &ConnectError{Err: err}
	}
	cfg := &tls.Config{
		ServerName:           opts.Hostname,
		GetClientCertificate: watcher.GetClientCertificate,
	}
	return cfg, watcher, nil
}
