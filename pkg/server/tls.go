package server

import (
	"crypto/tls"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/pool"
)

const certReloadDelay = 2 * time.Second

type cert struct {
	ptr atomic.Pointer[tls.Certificate]
}

func (c *cert) get() *tls.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *tls.Certificate) {
	c.ptr.Store(newCert)
}

func (c *cert) tlsConfig(nextProtos []string) *tls.Config {
	return &tls.Config{
		NextProtos: nextProtos,
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			return cert, nil
		},
	}
}

// watchCert loads s.opts.Cert and s.opts.Key and reloads them when the
// files change. The watcher stops when the server is closed.
func (s *Server) watchCert() (*cert, error) {
	certFile, keyFile := s.opts.Cert, s.opts.Key
	if certFile == "" || keyFile == "" {
		return nil, errMissingCert
	}

	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cc := &cert{}
	cc.set(&c)

	lg := s.opts.Logger.With(zap.String("cert", certFile))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		lg.Error("failed to create certificate watcher", zap.Error(err))
		return cc, nil
	}
	if ok := s.trackCloser(watcher, true); !ok {
		watcher.Close()
		return nil, ErrServerClosed
	}

	addWatch := func() {
		if err := watcher.Add(certFile); err != nil {
			lg.Warn("failed to watch certificate file", zap.Error(err))
		}
		if err := watcher.Add(keyFile); err != nil {
			lg.Warn("failed to watch key file", zap.String("key", keyFile), zap.Error(err))
		}
	}
	addWatch()

	go func() {
		defer s.trackCloser(watcher, false)
		defer watcher.Close()

		timer := pool.NewStoppedTimer()
		defer timer.Stop()
		needReWatch := false

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				// Editors and cert managers replace files by rename.
				// Re-add the original paths once things settle.
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				pool.ResetAndDrainTimer(timer, certReloadDelay)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					addWatch()
				}
				newCert, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					lg.Error("failed to reload certificate", zap.Error(err))
					continue
				}
				cc.set(&newCert)
				lg.Info("certificate reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				lg.Warn("certificate watcher error", zap.Error(err))
			}
		}
	}()

	return cc, nil
}
