package core

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func tableAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func tableID(n byte) [16]byte {
	var id [16]byte
	id[0] = n
	return id
}

func newTestTable(capacity int) (*handshakeTable, *time.Time) {
	table := newHandshakeTable(capacity)
	now := time.Unix(1_700_000_000, 0)
	table.now = func() time.Time { return now }
	return table, &now
}

func TestHandshakeTableResendsCachedServerHello(t *testing.T) {
	table, _ := newTestTable(4)
	var fingerprint [32]byte
	fingerprint[0] = 0xAA
	cert := []byte(`{"version":1}`)

	first := table.onClientHello(tableID(1), tableAddr(1000), fingerprint, cert)
	second := table.onClientHello(tableID(1), tableAddr(1000), fingerprint, cert)
	if string(first) != string(second) {
		t.Fatalf("re-hello must return the cached server hello")
	}
	if table.len() != 1 {
		t.Fatalf("re-hello must not grow the table")
	}
}

func TestHandshakeTableEstablishRequiresSameAddr(t *testing.T) {
	table, _ := newTestTable(4)
	var fingerprint [32]byte
	cert := []byte("cert")
	table.onClientHello(tableID(1), tableAddr(1000), fingerprint, cert)

	if table.markEstablished(tableID(1), tableAddr(2000)) {
		t.Fatalf("finish from another address must not establish")
	}
	if !table.markEstablished(tableID(1), tableAddr(1000)) {
		t.Fatalf("finish from the hello address must establish")
	}
	if ack := table.ackPayload(tableID(1), tableAddr(2000), []byte("x")); ack != nil {
		t.Fatalf("ack must be refused for a different address")
	}
	if ack := table.ackPayload(tableID(1), tableAddr(1000), []byte("x")); ack == nil {
		t.Fatalf("ack expected for the established peer")
	}
}

func TestHandshakeTableTTLAndRefresh(t *testing.T) {
	table, now := newTestTable(4)
	var fingerprint [32]byte
	cert := []byte("cert")
	table.onClientHello(tableID(1), tableAddr(1000), fingerprint, cert)
	table.onClientHello(tableID(2), tableAddr(1001), fingerprint, cert)

	*now = now.Add(29 * time.Second)
	// Re-hello refreshes entry 1's TTL.
	table.onClientHello(tableID(1), tableAddr(1000), fingerprint, cert)

	*now = now.Add(2 * time.Second)
	if table.len() != 1 {
		t.Fatalf("entry 2 must have expired, table has %d", table.len())
	}
	if !table.markEstablished(tableID(1), tableAddr(1000)) {
		t.Fatalf("refreshed entry must survive")
	}

	*now = now.Add(31 * time.Second)
	if table.len() != 0 {
		t.Fatalf("all entries must expire after the TTL")
	}
}

func TestHandshakeTableFIFOEviction(t *testing.T) {
	table, _ := newTestTable(2)
	var fingerprint [32]byte
	cert := []byte("cert")
	table.onClientHello(tableID(1), tableAddr(1), fingerprint, cert)
	table.onClientHello(tableID(2), tableAddr(2), fingerprint, cert)
	table.onClientHello(tableID(3), tableAddr(3), fingerprint, cert)

	if table.len() != 2 {
		t.Fatalf("capacity must bound the table, got %d", table.len())
	}
	if table.markEstablished(tableID(1), tableAddr(1)) {
		t.Fatalf("oldest entry must have been evicted first")
	}
	if !table.markEstablished(tableID(3), tableAddr(3)) {
		t.Fatalf("newest entry must be present")
	}
}

func TestRetransmitScheduleDoublesToCap(t *testing.T) {
	schedule := newRetransmitSchedule(5 * time.Second)
	expected := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
		320 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, want := range expected {
		if got := schedule.currentWindow(); got != want {
			t.Fatalf("window %d: expected %v, got %v", i, want, got)
		}
		schedule.onTimeout()
	}

	// A short handshake timeout caps the window below the default max.
	short := newRetransmitSchedule(50 * time.Millisecond)
	for i := 0; i < 8; i++ {
		short.onTimeout()
	}
	if got := short.currentWindow(); got != 50*time.Millisecond {
		t.Fatalf("expected cap at handshake timeout, got %v", got)
	}
}

func TestTransportEndToEnd(t *testing.T) {
	identity := testIdentity(t, "transport-node")
	endpoint, cert, err := ListenTransport("127.0.0.1:0", identity)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer endpoint.Close()

	ctx := context.Background()
	conn, err := DialTransport(ctx, endpoint.LocalAddr().String(), cert, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	payload, err := conn.Recv(recvCtx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(payload) != "ping" {
		t.Fatalf("unexpected ack payload %q", payload)
	}
	stats := conn.Stats()
	if stats.Sent != 1 || stats.Deliveries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTransportRejectsWrongCertificate(t *testing.T) {
	identity := testIdentity(t, "transport-node")
	endpoint, _, err := ListenTransport("127.0.0.1:0", identity)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer endpoint.Close()

	other := testIdentity(t, "impostor")
	_, err = DialTransport(context.Background(), endpoint.LocalAddr().String(), other.CertificateBytes(), 500*time.Millisecond)
	if err == nil {
		t.Fatalf("expected fingerprint mismatch")
	}
}

func TestTransportCancellation(t *testing.T) {
	identity := testIdentity(t, "transport-node")
	endpoint, cert, err := ListenTransport("127.0.0.1:0", identity)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer endpoint.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := DialTransport(ctx, endpoint.LocalAddr().String(), cert, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cancel()
	conn.Close()

	if _, err := conn.Recv(context.Background()); err == nil {
		t.Fatalf("recv after cancellation must fail")
	}
}

func TestTransportDialTimeout(t *testing.T) {
	// No endpoint listening: the dial must retransmit and then time out.
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.LocalAddr().String()
	_ = listener.Close()

	identity := testIdentity(t, "ghost")
	start := time.Now()
	_, err = DialTransport(context.Background(), addr, identity.CertificateBytes(), 300*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("dial gave up too early: %v", elapsed)
	}
}

func TestCertificateRotationKeepsFingerprintHistory(t *testing.T) {
	identity := testIdentity(t, "rotating-node")
	endpoint, _, err := ListenTransport("127.0.0.1:0", identity)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer endpoint.Close()

	rotated := testIdentity(t, "rotating-node")
	endpoint.RotateIdentity(rotated)

	history := endpoint.FingerprintHistory()
	if len(history) != 2 {
		t.Fatalf("expected two fingerprints, got %d", len(history))
	}
	if history[0] == history[1] {
		t.Fatalf("rotation must change the fingerprint")
	}

	// New dials pin the rotated certificate.
	conn, err := DialTransport(context.Background(), endpoint.LocalAddr().String(), rotated.CertificateBytes(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial after rotation: %v", err)
	}
	conn.Close()
}

func TestTransportMessageCodec(t *testing.T) {
	id := tableID(9)
	var fingerprint [32]byte
	fingerprint[3] = 0x77
	cert := []byte("certificate-bytes")

	for name, raw := range map[string][]byte{
		"hello":  encodeTransportClientHello(id),
		"finish": encodeTransportClientFinish(id),
		"server": encodeTransportServerHello(id, fingerprint, cert),
		"data":   encodeTransportPayload(msgApplicationData, id, []byte("payload")),
		"ack":    encodeTransportPayload(msgApplicationAck, id, []byte("payload")),
	} {
		msg, err := decodeTransportMessage(raw)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if msg.handshake != id {
			t.Fatalf("%s: handshake id mismatch", name)
		}
	}

	server, err := decodeTransportMessage(encodeTransportServerHello(id, fingerprint, cert))
	if err != nil {
		t.Fatalf("server hello: %v", err)
	}
	if server.fingerprint != fingerprint || string(server.certificate) != string(cert) {
		t.Fatalf("server hello fields lost")
	}

	if _, err := decodeTransportMessage([]byte{transportMsgVersion, 0xEE, 0, 0}); err == nil {
		t.Fatalf("unknown kind must fail")
	}
	if _, err := decodeTransportMessage([]byte{0x7F}); err == nil {
		t.Fatalf("short datagram must fail")
	}
}

func TestHandshakeTableScalesToCapacity(t *testing.T) {
	table, _ := newTestTable(handshakeTableCapacity)
	var fingerprint [32]byte
	cert := []byte("cert")
	for i := 0; i < handshakeTableCapacity+10; i++ {
		var id [16]byte
		copy(id[:], fmt.Sprintf("%016d", i))
		table.onClientHello(id, tableAddr(i+1), fingerprint, cert)
	}
	if table.len() != handshakeTableCapacity {
		t.Fatalf("expected capacity %d, got %d", handshakeTableCapacity, table.len())
	}
}
