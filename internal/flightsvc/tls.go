package flightsvc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

var pemMarker = []byte("-----BEGIN")

// TLSFiles names the PEM files a TLS-with-client-auth Flight server
// loads: its own identity (cert+key) and, optionally, a CA bundle used
// to verify client certificates.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// LoadServerTLSConfig reads and validates files, returning a *tls.Config
// suitable for grpc/credentials.NewTLS. Every PEM file is checked for a
// "-----BEGIN" marker before being handed to the TLS stack, so a
// misconfigured path (e.g. pointing at a non-PEM file) fails with a clear
// InvalidArgument instead of an opaque parse error three layers down.
func LoadServerTLSConfig(files TLSFiles) (*tls.Config, error) {
	certPEM, err := readPEM(files.CertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readPEM(files.KeyFile)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, swarmerr.InvalidArgument("flightsvc", "parse server certificate/key").WithCause(err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if files.CAFile == "" {
		return cfg, nil
	}

	caPEM, err := readPEM(files.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, swarmerr.InvalidArgument("flightsvc", "CA file %q contains no usable certificates", files.CAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// LoadClientTLSConfig builds a client-side *tls.Config trusting caFile,
// and presenting (certFile, keyFile) for mutual TLS when both are set.
func LoadClientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		caPEM, err := readPEM(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, swarmerr.InvalidArgument("flightsvc", "CA file %q contains no usable certificates", caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" && keyFile != "" {
		certPEM, err := readPEM(certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := readPEM(keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, swarmerr.InvalidArgument("flightsvc", "parse client certificate/key").WithCause(err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func readPEM(path string) ([]byte, error) {
	if path == "" {
		return nil, swarmerr.InvalidArgument("flightsvc", "empty PEM file path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, swarmerr.InvalidArgument("flightsvc", "read PEM file %q", path).WithCause(err)
	}
	if !bytes.Contains(data, pemMarker) {
		return nil, swarmerr.InvalidArgument("flightsvc", "file %q does not look like PEM (missing %q marker)", path, string(pemMarker))
	}
	return data, nil
}
