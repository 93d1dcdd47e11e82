package core

// Mutual-authentication handshake. A single round trip establishes a shared
// X25519 secret authenticated by long-lived Ed25519 identities: the client
// optionally proves its identity over (ephemeral ∥ nonce), the server always
// signs the full transcript. Session keys fall out of the house KDF.

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"theblock-network/pkg/utils"
)

var (
	handshakeMagic   = [4]byte{'T', 'B', 'H', 'S'}
	handshakeVersion = byte(1)
)

const (
	handshakeMaxLen = 8 * 1024
	sessionInfo     = "tb-httpd-session-keys"
	clientAuthInfo  = "tb-httpd-client-auth"
	aesBlockSize    = 16
	recordMACLen    = 32
)

// TLS error kinds surfaced by the handshake and record layer.
var (
	ErrHandshakeFailure  = errors.New("tls: handshake failure")
	ErrUnknownClient     = errors.New("tls: unknown client")
	ErrSignatureFailed   = errors.New("tls: invalid signature")
	ErrRecordMacMismatch = errors.New("tls: record mac mismatch")
	ErrSequenceMismatch  = errors.New("tls: record sequence mismatch")
)

var tlsLogger = log.New(io.Discard, "[tls] ", log.LstdFlags)

// SetTLSLogger replaces the handshake diagnostics logger. TB_TLS_TEST_DEBUG
// routes it to stderr without code changes.
func SetTLSLogger(l *log.Logger) { tlsLogger = l }

func tlsDebugEnabled() bool {
	_, ok := os.LookupEnv("TB_TLS_TEST_DEBUG")
	return ok
}

func tlsDebugf(format string, args ...any) {
	if tlsDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[tls] "+format+"\n", args...)
	} else {
		tlsLogger.Printf(format, args...)
	}
}

// Certificate is the node certificate format: a version-1 JSON object
// binding a subject name to an Ed25519 public key.
type Certificate struct {
	Version   uint32 `json:"version"`
	Subject   string `json:"subject"`
	PublicKey string `json:"public_key"`
}

// EncodeCertificate renders the canonical certificate bytes for a key.
func EncodeCertificate(subject string, key ed25519.PublicKey) ([]byte, error) {
	cert := Certificate{
		Version:   1,
		Subject:   subject,
		PublicKey: base64.StdEncoding.EncodeToString(key),
	}
	return json.Marshal(cert)
}

// ParseCertificate extracts the Ed25519 public key from certificate bytes.
func ParseCertificate(raw []byte) (ed25519.PublicKey, error) {
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", ErrHandshakeFailure, err)
	}
	if cert.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported certificate version %d", ErrHandshakeFailure, cert.Version)
	}
	key, err := base64.StdEncoding.DecodeString(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate key encoding: %v", ErrHandshakeFailure, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: certificate key length %d", ErrHandshakeFailure, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// CertificateFingerprint is the SHA-256 digest of the certificate bytes.
func CertificateFingerprint(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// ServerIdentity is the long-lived signing identity plus its certificate.
type ServerIdentity struct {
	certificate []byte
	signingKey  ed25519.PrivateKey
}

// NewServerIdentity builds an identity from a signing key, minting the
// matching certificate.
func NewServerIdentity(subject string, key ed25519.PrivateKey) (*ServerIdentity, error) {
	cert, err := EncodeCertificate(subject, key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &ServerIdentity{certificate: cert, signingKey: key}, nil
}

// GenerateServerIdentity mints a fresh identity; used at first boot and by
// certificate rotation.
func GenerateServerIdentity(subject string) (*ServerIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewServerIdentity(subject, priv)
}

// ServerIdentityFromFiles loads certificate and key material from disk. The
// key file holds a base64 Ed25519 seed in a version-1 JSON wrapper.
func ServerIdentityFromFiles(certPath, keyPath string) (*ServerIdentity, error) {
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, utils.Wrap(err, "read certificate")
	}
	if _, err := ParseCertificate(cert); err != nil {
		return nil, err
	}
	rawKey, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, utils.Wrap(err, "read signing key")
	}
	var wrapper struct {
		Version   uint32 `json:"version"`
		SecretKey string `json:"secret_key"`
	}
	if err := json.Unmarshal(rawKey, &wrapper); err != nil {
		return nil, utils.Wrap(err, "parse signing key")
	}
	seed, err := base64.StdEncoding.DecodeString(wrapper.SecretKey)
	if err != nil {
		return nil, utils.Wrap(err, "decode signing key")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes", ed25519.SeedSize)
	}
	return &ServerIdentity{certificate: cert, signingKey: ed25519.NewKeyFromSeed(seed)}, nil
}

// CertificateBytes returns the identity's canonical certificate.
func (s *ServerIdentity) CertificateBytes() []byte { return s.certificate }

// SigningKey exposes the Ed25519 signing key.
func (s *ServerIdentity) SigningKey() ed25519.PrivateKey { return s.signingKey }

// Fingerprint of the identity's certificate.
func (s *ServerIdentity) Fingerprint() [32]byte { return CertificateFingerprint(s.certificate) }

// ClientRegistry is the trust set of client verifying keys.
type ClientRegistry struct {
	allowed map[[32]byte]struct{}
}

// NewClientRegistry builds a registry from verifying keys.
func NewClientRegistry(keys ...ed25519.PublicKey) *ClientRegistry {
	reg := &ClientRegistry{allowed: make(map[[32]byte]struct{}, len(keys))}
	for _, key := range keys {
		reg.Add(key)
	}
	return reg
}

// ClientRegistryFromPath loads a JSON list of base64 verifying keys.
func ClientRegistryFromPath(path string) (*ClientRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(err, "read client registry")
	}
	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, utils.Wrap(err, "parse client registry")
	}
	reg := NewClientRegistry()
	for _, entry := range encoded {
		key, err := base64.StdEncoding.DecodeString(entry)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("client registry: invalid key entry")
		}
		reg.Add(ed25519.PublicKey(key))
	}
	return reg, nil
}

// Add inserts a verifying key.
func (r *ClientRegistry) Add(key ed25519.PublicKey) {
	if len(key) != ed25519.PublicKeySize {
		return
	}
	var fixed [32]byte
	copy(fixed[:], key)
	r.allowed[fixed] = struct{}{}
}

// Contains reports whether the key is trusted.
func (r *ClientRegistry) Contains(key ed25519.PublicKey) bool {
	if r == nil || len(key) != ed25519.PublicKeySize {
		return false
	}
	var fixed [32]byte
	copy(fixed[:], key)
	_, ok := r.allowed[fixed]
	return ok
}

// Client authentication policies.
type ClientAuthMode uint8

const (
	ClientAuthNone ClientAuthMode = iota
	ClientAuthOptional
	ClientAuthRequired
)

// ClientAuthPolicy couples a mode with the trusted registry it checks
// against.
type ClientAuthPolicy struct {
	Mode     ClientAuthMode
	Registry *ClientRegistry
}

// RequiresClientCert reports whether a missing client certificate fails the
// handshake.
func (p ClientAuthPolicy) RequiresClientCert() bool { return p.Mode == ClientAuthRequired }

// SessionKeys is the derived key quadruple. Each direction owns a cipher
// key and a MAC key.
type SessionKeys struct {
	ServerWrite [32]byte
	ClientWrite [32]byte
	ServerMAC   [32]byte
	ClientMAC   [32]byte
}

// DeriveSessionKeys runs the house KDF over the shared secret and both
// nonces.
func DeriveSessionKeys(shared, clientNonce, serverNonce *[32]byte) (*SessionKeys, error) {
	material := make([]byte, 0, 96)
	material = append(material, shared[:]...)
	material = append(material, clientNonce[:]...)
	material = append(material, serverNonce[:]...)
	reader := hkdf.New(sha256.New, material, nil, []byte(sessionInfo))
	var out [128]byte
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return nil, fmt.Errorf("%w: kdf: %v", ErrHandshakeFailure, err)
	}
	keys := &SessionKeys{}
	copy(keys.ServerWrite[:], out[:32])
	copy(keys.ClientWrite[:], out[32:64])
	copy(keys.ServerMAC[:], out[64:96])
	copy(keys.ClientMAC[:], out[96:128])
	return keys, nil
}

// clientHello is the first handshake frame.
type clientHello struct {
	ClientEphemeral [32]byte
	ClientNonce     [32]byte
	Certificate     []byte
	Signature       []byte
}

const (
	helloFlagCert = byte(1 << 0)
	helloFlagSig  = byte(1 << 1)
)

func (h *clientHello) encode() []byte {
	out := make([]byte, 0, 5+64+1+len(h.Certificate)+len(h.Signature)+8)
	out = append(out, handshakeMagic[:]...)
	out = append(out, handshakeVersion)
	out = append(out, h.ClientEphemeral[:]...)
	out = append(out, h.ClientNonce[:]...)
	var flags byte
	if len(h.Certificate) > 0 {
		flags |= helloFlagCert
	}
	if len(h.Signature) > 0 {
		flags |= helloFlagSig
	}
	out = append(out, flags)
	if len(h.Certificate) > 0 {
		out = appendLenPrefixed(out, h.Certificate)
	}
	if len(h.Signature) > 0 {
		out = appendLenPrefixed(out, h.Signature)
	}
	return out
}

func appendLenPrefixed(out, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	out = append(out, lenBuf[:]...)
	return append(out, field...)
}

func readLenPrefixed(frame []byte, cursor *int, label string) ([]byte, error) {
	if len(frame)-*cursor < 4 {
		return nil, fmt.Errorf("%w: truncated %s length", ErrHandshakeFailure, label)
	}
	n := int(binary.BigEndian.Uint32(frame[*cursor:]))
	*cursor += 4
	if len(frame)-*cursor < n {
		return nil, fmt.Errorf("%w: truncated %s", ErrHandshakeFailure, label)
	}
	field := frame[*cursor : *cursor+n]
	*cursor += n
	return append([]byte(nil), field...), nil
}

func decodeClientHello(frame []byte) (*clientHello, error) {
	if len(frame) < 4+1+32+32+1 {
		return nil, fmt.Errorf("%w: client hello too short", ErrHandshakeFailure)
	}
	if !hmac.Equal(frame[:4], handshakeMagic[:]) {
		return nil, fmt.Errorf("%w: invalid handshake magic", ErrHandshakeFailure)
	}
	if frame[4] != handshakeVersion {
		return nil, fmt.Errorf("%w: unsupported handshake version %d", ErrHandshakeFailure, frame[4])
	}
	hello := &clientHello{}
	cursor := 5
	copy(hello.ClientEphemeral[:], frame[cursor:cursor+32])
	cursor += 32
	copy(hello.ClientNonce[:], frame[cursor:cursor+32])
	cursor += 32
	flags := frame[cursor]
	cursor++
	var err error
	if flags&helloFlagCert != 0 {
		if hello.Certificate, err = readLenPrefixed(frame, &cursor, "certificate"); err != nil {
			return nil, err
		}
	}
	if flags&helloFlagSig != 0 {
		if hello.Signature, err = readLenPrefixed(frame, &cursor, "signature"); err != nil {
			return nil, err
		}
	}
	return hello, nil
}

// serverHello is the response frame.
type serverHello struct {
	ServerEphemeral    [32]byte
	ServerNonce        [32]byte
	Certificate        []byte
	Signature          []byte
	ClientAuthRequired bool
}

func (h *serverHello) encode() []byte {
	out := make([]byte, 0, 5+64+len(h.Certificate)+len(h.Signature)+9)
	out = append(out, handshakeMagic[:]...)
	out = append(out, handshakeVersion)
	out = append(out, h.ServerEphemeral[:]...)
	out = append(out, h.ServerNonce[:]...)
	out = appendLenPrefixed(out, h.Certificate)
	out = appendLenPrefixed(out, h.Signature)
	if h.ClientAuthRequired {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func decodeServerHello(frame []byte) (*serverHello, error) {
	if len(frame) < 4+1+64 {
		return nil, fmt.Errorf("%w: server hello too short", ErrHandshakeFailure)
	}
	if !hmac.Equal(frame[:4], handshakeMagic[:]) {
		return nil, fmt.Errorf("%w: invalid handshake magic", ErrHandshakeFailure)
	}
	if frame[4] != handshakeVersion {
		return nil, fmt.Errorf("%w: unsupported handshake version %d", ErrHandshakeFailure, frame[4])
	}
	hello := &serverHello{}
	cursor := 5
	copy(hello.ServerEphemeral[:], frame[cursor:cursor+32])
	cursor += 32
	copy(hello.ServerNonce[:], frame[cursor:cursor+32])
	cursor += 32
	var err error
	if hello.Certificate, err = readLenPrefixed(frame, &cursor, "certificate"); err != nil {
		return nil, err
	}
	if hello.Signature, err = readLenPrefixed(frame, &cursor, "signature"); err != nil {
		return nil, err
	}
	if cursor >= len(frame) {
		return nil, fmt.Errorf("%w: missing client auth flag", ErrHandshakeFailure)
	}
	hello.ClientAuthRequired = frame[cursor] != 0
	return hello, nil
}

func buildServerTranscript(clientEphemeral, clientNonce, serverEphemeral, serverNonce *[32]byte) []byte {
	out := make([]byte, 0, len(clientAuthInfo)+128)
	out = append(out, clientAuthInfo...)
	out = append(out, clientEphemeral[:]...)
	out = append(out, clientNonce[:]...)
	out = append(out, serverEphemeral[:]...)
	out = append(out, serverNonce[:]...)
	return out
}

func readHandshakeFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if frameLen > handshakeMaxLen {
		return nil, fmt.Errorf("%w: handshake frame too large: %d", ErrHandshakeFailure, frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeHandshakeFrame(conn net.Conn, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// HandshakeOutcome carries the derived keys plus the verified client key
// (nil for anonymous sessions).
type HandshakeOutcome struct {
	Session   *SessionKeys
	ClientKey ed25519.PublicKey
}

// PerformServerHandshake drives the server side of the handshake over an
// established connection.
func PerformServerHandshake(conn net.Conn, identity *ServerIdentity, auth ClientAuthPolicy) (*HandshakeOutcome, error) {
	tlsDebugf("performing handshake; waiting for client hello")
	frame, err := readHandshakeFrame(conn)
	if err != nil {
		TLSHandshakeFailuresTotal.WithLabelValues("read").Inc()
		return nil, err
	}
	hello, err := decodeClientHello(frame)
	if err != nil {
		TLSHandshakeFailuresTotal.WithLabelValues("decode").Inc()
		return nil, err
	}

	clientKey, err := verifyClientCredentials(hello, auth)
	if err != nil {
		TLSHandshakeFailuresTotal.WithLabelValues("client_auth").Inc()
		return nil, err
	}

	var serverSecret [32]byte
	if _, err := rand.Read(serverSecret[:]); err != nil {
		return nil, err
	}
	serverEphemeral, err := curve25519.X25519(serverSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral: %v", ErrHandshakeFailure, err)
	}
	var serverNonce [32]byte
	if _, err := rand.Read(serverNonce[:]); err != nil {
		return nil, err
	}
	sharedRaw, err := curve25519.X25519(serverSecret[:], hello.ClientEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrHandshakeFailure, err)
	}
	var shared, ephemeralFixed [32]byte
	copy(shared[:], sharedRaw)
	copy(ephemeralFixed[:], serverEphemeral)

	transcript := buildServerTranscript(&hello.ClientEphemeral, &hello.ClientNonce, &ephemeralFixed, &serverNonce)
	signature := ed25519.Sign(identity.SigningKey(), transcript)

	response := serverHello{
		ServerEphemeral:    ephemeralFixed,
		ServerNonce:        serverNonce,
		Certificate:        identity.CertificateBytes(),
		Signature:          signature,
		ClientAuthRequired: auth.RequiresClientCert(),
	}
	if err := writeHandshakeFrame(conn, response.encode()); err != nil {
		return nil, err
	}
	tlsDebugf("sent server hello (requires_cert=%v)", auth.RequiresClientCert())

	session, err := DeriveSessionKeys(&shared, &hello.ClientNonce, &serverNonce)
	if err != nil {
		return nil, err
	}
	return &HandshakeOutcome{Session: session, ClientKey: clientKey}, nil
}

func verifyClientCredentials(hello *clientHello, auth ClientAuthPolicy) (ed25519.PublicKey, error) {
	switch auth.Mode {
	case ClientAuthNone:
		return nil, nil
	case ClientAuthOptional:
		key, err := checkClientSignature(hello, auth.Registry)
		if err != nil {
			// Optional auth records only verified identities.
			tlsDebugf("optional client auth failed; treating as unauthenticated: %v", err)
			return nil, nil
		}
		return key, nil
	case ClientAuthRequired:
		return checkClientSignature(hello, auth.Registry)
	}
	return nil, fmt.Errorf("%w: unknown auth mode", ErrHandshakeFailure)
}

func checkClientSignature(hello *clientHello, registry *ClientRegistry) (ed25519.PublicKey, error) {
	if len(hello.Certificate) == 0 {
		return nil, fmt.Errorf("%w: missing client certificate", ErrHandshakeFailure)
	}
	verifying, err := ParseCertificate(hello.Certificate)
	if err != nil {
		return nil, err
	}
	if !registry.Contains(verifying) {
		return nil, ErrUnknownClient
	}
	if len(hello.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: client signature length", ErrHandshakeFailure)
	}
	message := make([]byte, 0, 64)
	message = append(message, hello.ClientEphemeral[:]...)
	message = append(message, hello.ClientNonce[:]...)
	if !ed25519.Verify(verifying, message, hello.Signature) {
		return nil, ErrSignatureFailed
	}
	return verifying, nil
}

// constantTimeEqual wraps subtle for MAC comparisons.
func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
