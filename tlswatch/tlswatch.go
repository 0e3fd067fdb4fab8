// Package tlswatch implements the optional client-certificate hot-reload
// named D4 in SPEC_FULL.md: when Options.SSL is set and CertFile/KeyFile
// are configured, a Watcher keeps the in-memory certificate pair current
// as the files on disk are rotated, without requiring the caller to
// reconnect.
package tlswatch

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses the burst of fsnotify events a typical
// cert-rotation tool (e.g. certbot, cert-manager) produces into a single
// reload.
const debounceDelay = 250 * time.Millisecond

// Watcher holds the current client certificate pair and keeps it fresh
// by watching certFile and keyFile for writes.
type Watcher struct {
	certFile, keyFile string

	mu   sync.RWMutex
	cert tls.Certificate

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}

	onReload func(err error)
}

// New loads the initial certificate pair and starts watching both files
// for changes. The returned Watcher must be closed with Close once the
// connection no longer needs it.
func New(certFile, keyFile string, onReload func(err error)) (*Watcher, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlswatch: loading initial certificate: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tlswatch: creating file watcher: %w", err)
	}
	if err := fsw.Add(certFile); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("tlswatch: watching cert file: %w", err)
	}
	if err := fsw.Add(keyFile); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("tlswatch: watching key file: %w", err)
	}

	w := &Watcher{
		certFile:  certFile,
		keyFile:   keyFile,
		cert:      cert,
		fsWatcher: fsw,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		onReload:  onReload,
	}
	go w.run()
	return w, nil
}

// GetClientCertificate implements the signature of
// tls.Config.GetClientCertificate, so a Watcher can be wired in
// directly: cfg.GetClientCertificate = watcher.GetClientCertificate.
func (w *Watcher) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cert := w.cert
	return &cert, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.onReload != nil {
				w.onReload(fmt.Errorf("tlswatch: watch error: %w", err))
			}

		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		if w.onReload != nil {
			w.onReload(fmt.Errorf("tlswatch: reloading certificate: %w", err))
		}
		return
	}
	w.mu.Lock()
	w.cert = cert
	w.mu.Unlock()
	if w.onReload != nil {
		w.onReload(nil)
	}
}
