package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// PeerCertificates holds the TLS identity of this peer and the account CA
// that issued every member's certificate. Certificates carry the peer id as
// a DNS name, so a verified handshake also proves the sender's peer id.
type PeerCertificates struct {
	cert  tls.Certificate
	roots *x509.CertPool
	log   *slog.Logger
}

// LoadPeerCertificates reads a PEM certificate, its key and the CA bundle.
func LoadPeerCertificates(certFile, keyFile, caFile string, log *slog.Logger) (*PeerCertificates, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load peer certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	return NewPeerCertificates(cert, caPEM, log)
}

// NewPeerCertificates builds the peer TLS identity from cert and a PEM CA
// bundle.
func NewPeerCertificates(cert tls.Certificate, caPEM []byte, log *slog.Logger) (*PeerCertificates, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to decode CA certificate PEM")
	}
	return &PeerCertificates{cert: cert, roots: roots, log: common.OrDiscard(log)}, nil
}

// GetClientCertificate returns our certificate for outgoing connections.
func (c *PeerCertificates) GetClientCertificate(_ *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return &c.cert, nil
}

// ServerConfig requires clients to present a certificate from the CA.
func (c *PeerCertificates) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{c.cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    c.roots,
	}
}

// ClientConfig verifies that the server at the other end is target.
func (c *PeerCertificates) ClientConfig(target interfaces.PeerID) *tls.Config {
	return &tls.Config{
		MinVersion:           tls.VersionTLS13,
		ServerName:           string(target),
		RootCAs:              c.roots,
		GetClientCertificate: c.GetClientCertificate,
	}
}

// authenticate checks that the verified client certificate on ctx names
// claimed.
func (c *PeerCertificates) authenticate(ctx context.Context, claimed interfaces.PeerID) error {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return errors.New("no peer information")
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.VerifiedChains) == 0 {
		return errors.New("connection is not authenticated")
	}
	leaf := info.State.VerifiedChains[0][0]
	if !slices.Contains(leaf.DNSNames, string(claimed)) {
		c.log.Warn("peer id does not match certificate",
			slog.String("claimed", string(claimed)),
			slog.Any("names", leaf.DNSNames))
		return fmt.Errorf("certificate does not cover peer %s", claimed)
	}
	return nil
}
