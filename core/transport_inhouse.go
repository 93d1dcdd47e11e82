package core

// In-house UDP transport adapter: a QUIC-like hello/finish/data/ack exchange
// used for low-level peer discovery and datagram relay. The server keeps a
// bounded handshake table with FIFO eviction and a 30 second TTL; clients
// retransmit their hello on a doubling window until the handshake deadline.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	handshakeTableCapacity = 1024
	handshakeEntryTTL      = 30 * time.Second
	retransmitInitial      = 10 * time.Millisecond
	retransmitMax          = 400 * time.Millisecond
	maxDatagram            = 64 * 1024
	defaultHandshakeTimeout = 5 * time.Second
)

// Datagram message kinds.
const (
	transportMsgVersion = byte(1)

	msgClientHello     = byte(1)
	msgServerHello     = byte(2)
	msgClientFinish    = byte(3)
	msgApplicationData = byte(4)
	msgApplicationAck  = byte(5)
)

var errTransportCancelled = errors.New("transport: cancelled")

// transportMessage is the decoded datagram.
type transportMessage struct {
	kind        byte
	handshake   [16]byte
	fingerprint [32]byte
	certificate []byte
	payload     []byte
}

func encodeTransportClientHello(handshake [16]byte) []byte {
	out := make([]byte, 0, 2+16)
	out = append(out, transportMsgVersion, msgClientHello)
	return append(out, handshake[:]...)
}

func encodeTransportServerHello(handshake [16]byte, fingerprint [32]byte, certificate []byte) []byte {
	out := make([]byte, 0, 2+16+32+4+len(certificate))
	out = append(out, transportMsgVersion, msgServerHello)
	out = append(out, handshake[:]...)
	out = append(out, fingerprint[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(certificate)))
	out = append(out, lenBuf[:]...)
	return append(out, certificate...)
}

func encodeTransportClientFinish(handshake [16]byte) []byte {
	out := make([]byte, 0, 2+16)
	out = append(out, transportMsgVersion, msgClientFinish)
	return append(out, handshake[:]...)
}

func encodeTransportPayload(kind byte, handshake [16]byte, payload []byte) []byte {
	out := make([]byte, 0, 2+16+len(payload))
	out = append(out, transportMsgVersion, kind)
	out = append(out, handshake[:]...)
	return append(out, payload...)
}

func decodeTransportMessage(raw []byte) (*transportMessage, error) {
	if len(raw) < 2+16 {
		return nil, errors.New("transport: datagram too short")
	}
	if raw[0] != transportMsgVersion {
		return nil, fmt.Errorf("transport: unsupported message version %d", raw[0])
	}
	msg := &transportMessage{kind: raw[1]}
	copy(msg.handshake[:], raw[2:18])
	body := raw[18:]
	switch msg.kind {
	case msgClientHello, msgClientFinish:
		return msg, nil
	case msgServerHello:
		if len(body) < 32+4 {
			return nil, errors.New("transport: truncated server hello")
		}
		copy(msg.fingerprint[:], body[:32])
		certLen := int(binary.BigEndian.Uint32(body[32:36]))
		if len(body)-36 < certLen {
			return nil, errors.New("transport: truncated certificate")
		}
		msg.certificate = append([]byte(nil), body[36:36+certLen]...)
		return msg, nil
	case msgApplicationData, msgApplicationAck:
		msg.payload = append([]byte(nil), body...)
		return msg, nil
	}
	return nil, fmt.Errorf("transport: unknown message kind %d", msg.kind)
}

// ---------------------------------------------------------------------
// Handshake table
// ---------------------------------------------------------------------

type handshakeEntry struct {
	addr        net.Addr
	expiresAt   time.Time
	serverHello []byte
	established bool
}

type handshakeTable struct {
	mu       sync.Mutex
	entries  map[[16]byte]*handshakeEntry
	order    [][16]byte
	capacity int
	now      func() time.Time
}

func newHandshakeTable(capacity int) *handshakeTable {
	return &handshakeTable{
		entries:  make(map[[16]byte]*handshakeEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}

// onClientHello reuses a live entry for the same handshake id, resetting it
// to unestablished and refreshing the TTL; otherwise it inserts a fresh
// entry, evicting the oldest when at capacity. Returns the cached (or newly
// minted) server hello to send back.
func (t *handshakeTable) onClientHello(handshake [16]byte, addr net.Addr, fingerprint [32]byte, certificate []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneExpired()
	if entry, ok := t.entries[handshake]; ok {
		entry.addr = addr
		entry.established = false
		entry.expiresAt = t.now().Add(handshakeEntryTTL)
		return entry.serverHello
	}
	response := encodeTransportServerHello(handshake, fingerprint, certificate)
	for len(t.order) >= t.capacity {
		evicted := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, evicted)
	}
	t.order = append(t.order, handshake)
	t.entries[handshake] = &handshakeEntry{
		addr:        addr,
		expiresAt:   t.now().Add(handshakeEntryTTL),
		serverHello: response,
	}
	return response
}

// markEstablished flips the entry only when the finish came from the hello
// sender's address.
func (t *handshakeTable) markEstablished(handshake [16]byte, addr net.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneExpired()
	entry, ok := t.entries[handshake]
	if !ok || !sameAddr(entry.addr, addr) {
		return false
	}
	entry.established = true
	entry.expiresAt = t.now().Add(handshakeEntryTTL)
	return true
}

// ackPayload mints the application ack for an established peer, refreshing
// the TTL.
func (t *handshakeTable) ackPayload(handshake [16]byte, addr net.Addr, payload []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneExpired()
	entry, ok := t.entries[handshake]
	if !ok || !sameAddr(entry.addr, addr) || !entry.established {
		return nil
	}
	entry.expiresAt = t.now().Add(handshakeEntryTTL)
	return encodeTransportPayload(msgApplicationAck, handshake, payload)
}

func (t *handshakeTable) pruneExpired() {
	now := t.now()
	retained := t.order[:0]
	for _, handshake := range t.order {
		entry, ok := t.entries[handshake]
		if !ok || !entry.expiresAt.After(now) {
			delete(t.entries, handshake)
			continue
		}
		retained = append(retained, handshake)
	}
	t.order = retained
}

func (t *handshakeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneExpired()
	return len(t.entries)
}

// ---------------------------------------------------------------------
// Retransmission schedule
// ---------------------------------------------------------------------

type retransmitSchedule struct {
	window time.Duration
	limit  time.Duration
}

func newRetransmitSchedule(handshakeTimeout time.Duration) *retransmitSchedule {
	limit := retransmitMax
	if handshakeTimeout < limit {
		limit = handshakeTimeout
	}
	return &retransmitSchedule{window: retransmitInitial, limit: limit}
}

func (s *retransmitSchedule) currentWindow() time.Duration { return s.window }

func (s *retransmitSchedule) onTimeout() {
	next := s.window * 2
	if next > s.limit {
		next = s.limit
	}
	s.window = next
}

// ---------------------------------------------------------------------
// Endpoint (server side)
// ---------------------------------------------------------------------

// TransportEndpoint is a listening in-house transport socket.
type TransportEndpoint struct {
	conn     *net.UDPConn
	identity *ServerIdentity
	table    *handshakeTable
	cancel   context.CancelFunc
	done     chan struct{}
	log      *logrus.Logger

	fingerprintsMu sync.RWMutex
	fingerprints   [][32]byte
}

// ListenTransport binds a UDP endpoint and starts its serve loop. The
// returned certificate is what clients pin.
func ListenTransport(addr string, identity *ServerIdentity) (*TransportEndpoint, []byte, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	lg := logrus.New()
	lg.SetLevel(logrus.WarnLevel)
	ep := &TransportEndpoint{
		conn:     conn,
		identity: identity,
		table:    newHandshakeTable(handshakeTableCapacity),
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      lg,
	}
	ep.fingerprints = [][32]byte{identity.Fingerprint()}
	go ep.serveLoop(ctx)
	return ep, identity.CertificateBytes(), nil
}

// LocalAddr reports the bound address.
func (ep *TransportEndpoint) LocalAddr() net.Addr { return ep.conn.LocalAddr() }

// FingerprintHistory lists the certificate fingerprints the endpoint has
// served, newest last. Rotation appends rather than replaces so peers can
// verify across the rollover.
func (ep *TransportEndpoint) FingerprintHistory() [][32]byte {
	ep.fingerprintsMu.RLock()
	defer ep.fingerprintsMu.RUnlock()
	return append([][32]byte(nil), ep.fingerprints...)
}

// RotateIdentity swaps the serving identity. In-flight handshakes keep
// their cached hello; new hellos observe the fresh certificate.
func (ep *TransportEndpoint) RotateIdentity(identity *ServerIdentity) {
	ep.fingerprintsMu.Lock()
	defer ep.fingerprintsMu.Unlock()
	ep.identity = identity
	ep.fingerprints = append(ep.fingerprints, identity.Fingerprint())
}

func (ep *TransportEndpoint) currentIdentity() *ServerIdentity {
	ep.fingerprintsMu.RLock()
	defer ep.fingerprintsMu.RUnlock()
	return ep.identity
}

// Close cancels the endpoint: the socket closes and the serve loop exits.
func (ep *TransportEndpoint) Close() {
	ep.cancel()
	_ = ep.conn.Close()
	<-ep.done
}

func (ep *TransportEndpoint) serveLoop(ctx context.Context) {
	defer close(ep.done)
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		n, peer, err := ep.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := decodeTransportMessage(buf[:n])
		if err != nil {
			continue
		}
		identity := ep.currentIdentity()
		switch msg.kind {
		case msgClientHello:
			response := ep.table.onClientHello(msg.handshake, peer, identity.Fingerprint(), identity.CertificateBytes())
			_, _ = ep.conn.WriteTo(response, peer)
		case msgClientFinish:
			if !ep.table.markEstablished(msg.handshake, peer) {
				response := ep.table.onClientHello(msg.handshake, peer, identity.Fingerprint(), identity.CertificateBytes())
				_, _ = ep.conn.WriteTo(response, peer)
			}
		case msgApplicationData:
			if ack := ep.table.ackPayload(msg.handshake, peer, msg.payload); ack != nil {
				_, _ = ep.conn.WriteTo(ack, peer)
			}
		}
	}
}

// ---------------------------------------------------------------------
// Connection (client side)
// ---------------------------------------------------------------------

// TransportConn is an established client connection.
type TransportConn struct {
	conn      *net.UDPConn
	remote    net.Addr
	handshake [16]byte
	cancel    context.CancelFunc
	done      chan struct{}
	inbound   chan []byte

	sent       atomic.Uint64
	deliveries atomic.Uint64
}

// TransportStats is a point-in-time connection counter snapshot.
type TransportStats struct {
	Sent       uint64
	Deliveries uint64
}

// VerifyRemoteCertificate checks that cert carries the expected Ed25519
// public key, returning the certificate fingerprint.
func VerifyRemoteCertificate(peerKey [32]byte, cert []byte) ([32]byte, error) {
	verifying, err := ParseCertificate(cert)
	if err != nil {
		return [32]byte{}, err
	}
	var actual [32]byte
	copy(actual[:], verifying)
	if actual != peerKey {
		return [32]byte{}, fmt.Errorf("%w: certificate public key mismatch", ErrHandshakeFailure)
	}
	return CertificateFingerprint(cert), nil
}

// DialTransport completes the hello/finish exchange with the endpoint at
// addr, pinning the expected certificate. Retransmits follow the doubling
// window; ctx cancellation closes the socket and aborts the attempt.
func DialTransport(ctx context.Context, addr string, expectedCert []byte, handshakeTimeout time.Duration) (*TransportConn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	local := &net.UDPAddr{IP: net.IPv6unspecified}
	if remote.IP.To4() != nil {
		local.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}

	handshake := [16]byte(uuid.New())
	hello := encodeTransportClientHello(handshake)
	if _, err := conn.WriteTo(hello, remote); err != nil {
		_ = conn.Close()
		return nil, err
	}

	expectedFingerprint := CertificateFingerprint(expectedCert)
	expectedKey, err := ParseCertificate(expectedCert)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	schedule := newRetransmitSchedule(handshakeTimeout)
	deadline := time.Now().Add(handshakeTimeout)
	buf := make([]byte, maxDatagram)
	var server *transportMessage
	for server == nil {
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil, errTransportCancelled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: handshake timed out", ErrHandshakeFailure)
		}
		window := schedule.currentWindow()
		if window > remaining {
			window = remaining
		}
		_ = conn.SetReadDeadline(time.Now().Add(window))
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close()
				return nil, errTransportCancelled
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				schedule.onTimeout()
				TransportRetransmitsTotal.Inc()
				if _, err := conn.WriteTo(hello, remote); err != nil {
					_ = conn.Close()
					return nil, err
				}
				continue
			}
			_ = conn.Close()
			return nil, err
		}
		if !sameAddr(peer, remote) {
			continue
		}
		msg, err := decodeTransportMessage(buf[:n])
		if err != nil || msg.kind != msgServerHello || msg.handshake != handshake {
			continue
		}
		server = msg
	}
	_ = conn.SetReadDeadline(time.Time{})

	if server.fingerprint != expectedFingerprint {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: certificate fingerprint mismatch", ErrHandshakeFailure)
	}
	verifying, err := ParseCertificate(server.certificate)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !verifying.Equal(expectedKey) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: certificate public key mismatch", ErrHandshakeFailure)
	}

	if _, err := conn.WriteTo(encodeTransportClientFinish(handshake), remote); err != nil {
		_ = conn.Close()
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	tc := &TransportConn{
		conn:      conn,
		remote:    remote,
		handshake: handshake,
		cancel:    cancel,
		done:      make(chan struct{}),
		inbound:   make(chan []byte, 64),
	}
	go tc.receiverLoop(connCtx)
	return tc, nil
}

func (tc *TransportConn) receiverLoop(ctx context.Context) {
	defer close(tc.done)
	stop := context.AfterFunc(ctx, func() { _ = tc.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		n, peer, err := tc.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if !sameAddr(peer, tc.remote) {
			continue
		}
		msg, err := decodeTransportMessage(buf[:n])
		if err != nil || msg.kind != msgApplicationAck || msg.handshake != tc.handshake {
			continue
		}
		select {
		case tc.inbound <- msg.payload:
			tc.deliveries.Add(1)
		default:
		}
	}
}

// Send transmits an application datagram.
func (tc *TransportConn) Send(data []byte) error {
	_, err := tc.conn.WriteTo(encodeTransportPayload(msgApplicationData, tc.handshake, data), tc.remote)
	if err == nil {
		tc.sent.Add(1)
	}
	return err
}

// Recv waits for the next acknowledged payload; ctx bounds the wait.
func (tc *TransportConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-tc.inbound:
		if !ok {
			return nil, errTransportCancelled
		}
		return payload, nil
	case <-ctx.Done():
		return nil, errTransportCancelled
	case <-tc.done:
		return nil, errTransportCancelled
	}
}

// Stats snapshots the connection counters.
func (tc *TransportConn) Stats() TransportStats {
	return TransportStats{Sent: tc.sent.Load(), Deliveries: tc.deliveries.Load()}
}

// RemoteAddr reports the peer address.
func (tc *TransportConn) RemoteAddr() net.Addr { return tc.remote }

// Close cancels the connection: the socket closes and pending Recv calls
// fail with a cancellation error.
func (tc *TransportConn) Close() {
	tc.cancel()
	_ = tc.conn.Close()
	<-tc.done
}
