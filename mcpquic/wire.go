// Package mcpquic carries MCP sessions over dedicated QUIC connections.
//
// The wire protocol: the client dials with ALPN "mcp-quic-v1", opens one
// bidirectional stream, writes the 4-byte magic "MCP1", then speaks
// newline-delimited JSON-RPC on the stream. The server validates ALPN and
// magic before handing the stream to the MCP SDK.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// MagicBytesMCP is written by the client as the first 4 bytes of the
	// stream, before any JSON-RPC traffic.
	MagicBytesMCP = "MCP1"

	// ALPNProtocolMCP is the TLS ALPN identifier for MCP-over-QUIC.
	ALPNProtocolMCP = "mcp-quic-v1"

	// MaxMessageSize caps a single JSON-RPC message.
	MaxMessageSize = 10 * 1024 * 1024

	DefaultIdleTimeout = 5 * time.Minute
	DefaultKeepAlive   = 15 * time.Second
)

// Connection-level application error codes.
const (
	ConnErrorNoError quic.ApplicationErrorCode = iota
	ConnErrorInternal
	ConnErrorUnsupportedALPN
	ConnErrorProtocolViolation
)

// Stream-level error codes.
const (
	StreamErrorProtocolConfusion quic.StreamErrorCode = 1
)

var (
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")
	ErrUnsupportedALPN   = errors.New("mcpquic: unsupported ALPN protocol")
	ErrConnectionClosed  = errors.New("mcpquic: connection closed")
)

// ConnectionError wraps a connection-level failure with its peer address
// and QUIC error code.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection %s failed with code 0x%02x: %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the protocol magic to w.
func SendMagicBytes(w io.Writer) error {
	if _, err := w.Write([]byte(MagicBytesMCP)); err != nil {
		return fmt.Errorf("mcpquic: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes reads the first 4 bytes from r and checks them
// against the protocol magic.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("mcpquic: read magic bytes: %w", err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, buf)
	}
	return nil
}

// ProductionQUICConfig returns the QUIC transport settings both ends use.
// 0-RTT stays off: replayable early data and tool execution do not mix.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:         DefaultIdleTimeout,
		KeepAlivePeriod:        DefaultKeepAlive,
		Allow0RTT:              false,
		MaxStreamReceiveWindow: MaxMessageSize,
	}
}

// SelfSignedTLSConfig generates an ephemeral self-signed certificate for
// dev and test listeners. Clients need InsecureSkipVerify to accept it.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"modwatch dev"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerTLSConfig loads a certificate pair from disk for production
// listeners.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the client-side TLS settings. insecure skips
// server certificate verification, for dialing self-signed dev servers.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPNProtocolMCP},
		MinVersion:         tls.VersionTLS13,
	}
}
