package core

// Client-side TLS connector. A builder assembles the client identity, trust
// anchors and timeouts; Connect dials, drives the handshake and returns the
// encrypted record stream. Connectors are also constructed from per-service
// environment triples so operators can stage credentials without code.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/curve25519"

	"theblock-network/pkg/utils"
)

const defaultConnectTimeout = 5 * time.Second

// TLSConnector dials mutually authenticated connections.
type TLSConnector struct {
	identitySigning ed25519.PrivateKey
	identityCert    []byte
	trustAnchors    []ed25519.PublicKey
	acceptInvalid   bool
	connectTimeout  time.Duration
	handshakeTimeout time.Duration
}

// TLSConnectorBuilder accumulates connector configuration.
type TLSConnectorBuilder struct {
	connector TLSConnector
	err       error
}

// NewTLSConnectorBuilder returns a builder with default timeouts.
func NewTLSConnectorBuilder() *TLSConnectorBuilder {
	return &TLSConnectorBuilder{connector: TLSConnector{
		connectTimeout:  defaultConnectTimeout,
		handshakeTimeout: defaultConnectTimeout,
	}}
}

// IdentityFromFiles attaches the client identity used when the server
// demands client auth.
func (b *TLSConnectorBuilder) IdentityFromFiles(certPath, keyPath string) *TLSConnectorBuilder {
	if b.err != nil {
		return b
	}
	identity, err := ServerIdentityFromFiles(certPath, keyPath)
	if err != nil {
		b.err = err
		return b
	}
	b.connector.identitySigning = identity.SigningKey()
	b.connector.identityCert = identity.CertificateBytes()
	return b
}

// AddTrustAnchorFromFile appends a server certificate to the trust set.
func (b *TLSConnectorBuilder) AddTrustAnchorFromFile(path string) *TLSConnectorBuilder {
	if b.err != nil {
		return b
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		b.err = utils.Wrap(err, "read trust anchor")
		return b
	}
	key, err := ParseCertificate(raw)
	if err != nil {
		b.err = err
		return b
	}
	b.connector.trustAnchors = append(b.connector.trustAnchors, key)
	return b
}

// AddTrustAnchor appends a verifying key directly.
func (b *TLSConnectorBuilder) AddTrustAnchor(key ed25519.PublicKey) *TLSConnectorBuilder {
	if b.err == nil {
		b.connector.trustAnchors = append(b.connector.trustAnchors, key)
	}
	return b
}

// DangerAcceptInvalidCerts disables server certificate validation. Test
// environments only.
func (b *TLSConnectorBuilder) DangerAcceptInvalidCerts(allow bool) *TLSConnectorBuilder {
	b.connector.acceptInvalid = allow
	return b
}

// ConnectTimeout overrides the dial timeout.
func (b *TLSConnectorBuilder) ConnectTimeout(d time.Duration) *TLSConnectorBuilder {
	b.connector.connectTimeout = d
	return b
}

// HandshakeTimeout overrides the handshake deadline.
func (b *TLSConnectorBuilder) HandshakeTimeout(d time.Duration) *TLSConnectorBuilder {
	b.connector.handshakeTimeout = d
	return b
}

// Build finalises the connector.
func (b *TLSConnectorBuilder) Build() (*TLSConnector, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.connector.trustAnchors) == 0 && !b.connector.acceptInvalid {
		return nil, fmt.Errorf("%w: no trust anchors configured", ErrHandshakeFailure)
	}
	connector := b.connector
	return &connector, nil
}

// Connect dials addr and completes the handshake, returning the encrypted
// stream. The dial normally runs on the runtime's blocking offload pool;
// TB_HTTP_FORCE_BLOCKING pins it to the calling goroutine for environments
// where the cooperative path times out.
func (c *TLSConnector) Connect(addr string) (*RecordStream, error) {
	if ForceBlockingIO() {
		return c.connectBlocking(addr)
	}
	handle := SpawnBlocking(GlobalRuntime(), func() (*RecordStream, error) {
		return c.connectBlocking(addr)
	})
	return handle.Join()
}

func (c *TLSConnector) connectBlocking(addr string) (*RecordStream, error) {
	conn, err := net.DialTimeout("tcp", addr, c.connectTimeout)
	if err != nil {
		return nil, err
	}
	stream, err := c.Handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return stream, nil
}

// Handshake drives the client side of the handshake over an existing
// connection.
func (c *TLSConnector) Handshake(conn net.Conn) (*RecordStream, error) {
	if c.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	var clientSecret, clientNonce [32]byte
	if _, err := rand.Read(clientSecret[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(clientNonce[:]); err != nil {
		return nil, err
	}
	ephemeralRaw, err := curve25519.X25519(clientSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral: %v", ErrHandshakeFailure, err)
	}
	var clientEphemeral [32]byte
	copy(clientEphemeral[:], ephemeralRaw)

	hello := clientHello{ClientEphemeral: clientEphemeral, ClientNonce: clientNonce}
	if c.identitySigning != nil {
		message := make([]byte, 0, 64)
		message = append(message, clientEphemeral[:]...)
		message = append(message, clientNonce[:]...)
		hello.Certificate = c.identityCert
		hello.Signature = ed25519.Sign(c.identitySigning, message)
	}
	if err := writeHandshakeFrame(conn, hello.encode()); err != nil {
		return nil, err
	}
	tlsDebugf("sent client hello (%d bytes cert)", len(hello.Certificate))

	frame, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, err
	}
	response, err := decodeServerHello(frame)
	if err != nil {
		return nil, err
	}
	serverKey, err := ParseCertificate(response.Certificate)
	if err != nil {
		return nil, err
	}
	if !c.acceptInvalid && !c.trusted(serverKey) {
		TLSHandshakeFailuresTotal.WithLabelValues("untrusted_server").Inc()
		return nil, fmt.Errorf("%w: server certificate not in trust set", ErrHandshakeFailure)
	}
	transcript := buildServerTranscript(&clientEphemeral, &clientNonce, &response.ServerEphemeral, &response.ServerNonce)
	if !ed25519.Verify(serverKey, transcript, response.Signature) {
		TLSHandshakeFailuresTotal.WithLabelValues("server_signature").Inc()
		return nil, ErrSignatureFailed
	}
	if response.ClientAuthRequired && c.identitySigning == nil {
		return nil, fmt.Errorf("%w: server requires client certificate", ErrHandshakeFailure)
	}

	sharedRaw, err := curve25519.X25519(clientSecret[:], response.ServerEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrHandshakeFailure, err)
	}
	var shared [32]byte
	copy(shared[:], sharedRaw)
	session, err := DeriveSessionKeys(&shared, &clientNonce, &response.ServerNonce)
	if err != nil {
		return nil, err
	}
	return NewRecordStream(conn, session, false), nil
}

func (c *TLSConnector) trusted(key ed25519.PublicKey) bool {
	for _, anchor := range c.trustAnchors {
		if anchor.Equal(key) {
			return true
		}
	}
	return false
}

// ParseBoolFlag parses the operator boolean grammar used by the *_INSECURE
// variables.
func ParseBoolFlag(value string) bool {
	switch value {
	case "1", "true", "yes", "on", "TRUE", "YES", "ON", "True", "Yes", "On":
		return true
	}
	return false
}

// TLSConnectorFromEnv assembles a connector from the <PREFIX>_{CERT, KEY,
// CA, INSECURE} triple. Returns (nil, nil) when the prefix stages nothing.
func TLSConnectorFromEnv(prefix string) (*TLSConnector, error) {
	certPath := os.Getenv(prefix + "_CERT")
	keyPath := os.Getenv(prefix + "_KEY")
	caPath := os.Getenv(prefix + "_CA")
	insecure := ParseBoolFlag(os.Getenv(prefix + "_INSECURE"))
	if certPath == "" && keyPath == "" && caPath == "" && !insecure {
		return nil, nil
	}
	builder := NewTLSConnectorBuilder()
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s_CERT and %s_KEY must be staged together", prefix, prefix)
		}
		builder.IdentityFromFiles(certPath, keyPath)
	}
	if caPath != "" {
		builder.AddTrustAnchorFromFile(caPath)
	}
	builder.DangerAcceptInvalidCerts(insecure)
	return builder.Build()
}

// TLSConnectorFromEnvAny tries each prefix in order and returns the first
// staged connector.
func TLSConnectorFromEnvAny(prefixes ...string) (*TLSConnector, error) {
	for _, prefix := range prefixes {
		connector, err := TLSConnectorFromEnv(prefix)
		if err != nil {
			return nil, err
		}
		if connector != nil {
			return connector, nil
		}
	}
	return nil, nil
}

// ForceBlockingIO reports whether the cooperative I/O path is disabled via
// TB_HTTP_FORCE_BLOCKING.
func ForceBlockingIO() bool {
	return ParseBoolFlag(os.Getenv("TB_HTTP_FORCE_BLOCKING"))
}
