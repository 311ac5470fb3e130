// Package tlsclient builds and swaps the client-auth TLS connector the
// forwarder uses to dial the upstream origin.
package tlsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/sreymja/mtls-proxy/internal/errs"
)

// Material is the cert/key/CA/verify-hostname input used to build a Connector.
type Material struct {
	ClientCertPath string
	ClientKeyPath  string
	CACertPath     string // optional
	VerifyHostname bool
}

// Connector dials an upstream host:port and performs the client-auth TLS
// handshake. It is held behind a Factory's atomic pointer so it can be
// swapped without disrupting in-flight connections made with the prior
// value.
type Connector struct {
	tlsConfig *tls.Config
}

// HandshakeError wraps a failure in the TLS handshake phase specifically,
// so callers can distinguish it from a plain TCP dial failure (e.g. for
// metrics.ErrorKindTLS vs metrics.ErrorKindConnection).
type HandshakeError struct {
	err *errs.AppError
}

func (e *HandshakeError) Error() string { return e.err.Error() }
func (e *HandshakeError) Unwrap() error { return e.err }

// Connect dials host:port over TCP and completes the TLS handshake.
func (c *Connector) Connect(ctx context.Context, host, port string) (*tls.Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errs.Newf(errs.ConnectionFailed, "dial %s:%s", host, port).WithDetails(err.Error())
	}
	conn := tls.Client(raw, c.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, &HandshakeError{err: errs.Newf(errs.ConnectionFailed, "tls handshake with %s:%s", host, port).WithDetails(err.Error())}
	}
	return conn, nil
}

// Build parses the given certificate material and produces a ready-to-use
// Connector. It never falls back to a plaintext connection on failure.
func Build(m Material) (*Connector, error) {
	certPEM, err := os.ReadFile(m.ClientCertPath)
	if err != nil {
		return nil, errs.Newf(errs.FileNotFound, "read client certificate %s", m.ClientCertPath).WithDetails(err.Error())
	}
	keyPEM, err := os.ReadFile(m.ClientKeyPath)
	if err != nil {
		return nil, errs.Newf(errs.FileNotFound, "read client key %s", m.ClientKeyPath).WithDetails(err.Error())
	}

	cert, err := loadKeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	var roots *x509.CertPool
	if m.CACertPath != "" {
		caPEM, err := os.ReadFile(m.CACertPath)
		if err != nil {
			return nil, errs.Newf(errs.FileNotFound, "read CA bundle %s", m.CACertPath).WithDetails(err.Error())
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, errs.Newf(errs.CertificateParseError, "no certificates found in CA bundle %s", m.CACertPath)
		}
	}
	// roots == nil means tls.Config falls back to the system trust store.

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if !m.VerifyHostname {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(_ [][]byte, _ [][]*x509.Certificate) error {
			return nil
		}
	}

	return &Connector{tlsConfig: cfg}, nil
}

// loadKeyPair parses a client certificate chain and its private key,
// accepting PKCS#8 or PKCS#1 (RSA) keys via tls.X509KeyPair, which tries
// PKCS#1, then PKCS#8, then EC.
func loadKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	if len(certPEM) == 0 {
		return tls.Certificate{}, errs.New(errs.CertificateParseError, "empty client certificate PEM")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return tls.Certificate{}, errs.New(errs.CertificateParseError, "no PEM block found in client certificate")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err == nil {
		return cert, nil
	}

	// tls.X509KeyPair already tries PKCS#8 and PKCS#1 internally via
	// x509.ParsePKCS8PrivateKey/ParsePKCS1PrivateKey, but surface a typed
	// error distinguishing "no key found" from other parse failures.
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return tls.Certificate{}, errs.New(errs.CertificateParseError, "no private key found (neither PKCS#8 nor RSA)").WithDetails(err.Error())
	}
	return tls.Certificate{}, errs.New(errs.CertificateParseError, "failed to parse client certificate/key pair").WithDetails(err.Error())
}

// Factory holds the currently active Connector behind an atomic pointer so
// readers never observe a partially-swapped value. A new Connector replaces
// the old one under Swap; in-flight connections already dialed with the old
// value complete normally since they hold their own *tls.Conn, not a
// reference back to the Connector.
type Factory struct {
	current atomic.Pointer[Connector]
}

// NewFactory builds a Factory from initial Material.
func NewFactory(m Material) (*Factory, error) {
	c, err := Build(m)
	if err != nil {
		return nil, err
	}
	f := &Factory{}
	f.current.Store(c)
	return f, nil
}

// Current returns the active Connector.
func (f *Factory) Current() *Connector {
	return f.current.Load()
}

// Swap builds a new Connector from m and atomically installs it, returning
// an error (and leaving the old Connector in place) if m cannot be built.
func (f *Factory) Swap(m Material) error {
	c, err := Build(m)
	if err != nil {
		return fmt.Errorf("swap tls connector: %w", err)
	}
	f.current.Store(c)
	return nil
}
