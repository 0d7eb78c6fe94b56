// Package cert provides TLS material for the storage server and its
// clients. The server certificate is loaded from files and reloaded when
// they change.
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"framestore/internal/logging"
)

var ErrNoCertificates = errors.New("no certificates found in PEM data")

// Config holds Reloader configuration.
type Config struct {
	CertFile string
	KeyFile  string
	Logger   *slog.Logger
}

// Reloader holds the server key pair. Safe for concurrent use. The
// directories containing the files are watched so that replacements by
// rename, as done by most certificate tooling, are picked up too.
type Reloader struct {
	cfg    Config
	logger *slog.Logger
	cert   atomic.Pointer[tls.Certificate]

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// NewReloader loads the key pair and starts watching it. A pair that fails
// to load here is an error; later reload failures keep the previous pair.
func NewReloader(cfg Config) (*Reloader, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("cert: both cert and key files are required")
	}
	r := &Reloader{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "cert"),
		done:   make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cert: start watcher: %w", err)
	}
	for _, dir := range uniqueDirs(cfg.CertFile, cfg.KeyFile) {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("cert: watch %s: %w", dir, err)
		}
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func uniqueDirs(paths ...string) []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (r *Reloader) watch() {
	defer close(r.done)
	certPath := filepath.Clean(r.cfg.CertFile)
	keyPath := filepath.Clean(r.cfg.KeyFile)
	for {
		select {
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("watcher error", "error", err)
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if name := filepath.Clean(ev.Name); name != certPath && name != keyPath {
				continue
			}
			if err := r.Reload(); err != nil {
				// Cert and key are often replaced one after the other; the
				// second event completes the pair.
				r.logger.Debug("reload deferred", "error", err)
				continue
			}
			r.logger.Info("certificate reloaded", "file", ev.Name)
		}
	}
}

// Reload reads the key pair from disk and swaps it in.
func (r *Reloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.cfg.CertFile, r.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("cert: load key pair: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// Certificate returns the current key pair.
func (r *Reloader) Certificate() *tls.Certificate {
	return r.cert.Load()
}

// ServerTLS returns a server tls.Config backed by the reloader.
func (r *Reloader) ServerTLS() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// Close stops watching. The last loaded pair stays available.
func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.watcher.Close()
		<-r.done
	})
	return err
}

// ClientTLS returns a client tls.Config. With caFile the server must present
// a certificate signed by one of its CAs; otherwise the system pool is used.
// insecure disables verification entirely.
func ClientTLS(caFile, serverName string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: insecure, //nolint:gosec // G402: opt-in for lab networks with self-signed servers
	}
	if caFile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(caFile) //nolint:gosec // G304: operator-supplied CA path
	if err != nil {
		return nil, fmt.Errorf("cert: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("cert: %s: %w", caFile, ErrNoCertificates)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
