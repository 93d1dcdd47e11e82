package core

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"reflect"
	"testing"
)

func payloadVariants() map[string]Payload {
	chunk := &BlobChunk{Index: 2, Total: 8, Data: []byte("chunk-data")}
	chunk.Root[0] = 0x55
	return map[string]Payload{
		"handshake": {Kind: PayloadHandshake, Handshake: []byte("session-token")},
		"hello":     {Kind: PayloadHello, Hello: []string{"127.0.0.1:8080", "[::1]:9000"}},
		"tx":        {Kind: PayloadTx, Tx: []byte("tx-bytes")},
		"blobtx":    {Kind: PayloadBlobTx, BlobTx: []byte("blob-tx-bytes")},
		"block":     {Kind: PayloadBlock, BlockShard: 7, Block: []byte("block-bytes")},
		"chain":     {Kind: PayloadChain, Chain: [][]byte{[]byte("b1"), []byte("b2")}},
		"chunk":     {Kind: PayloadBlobChunk, BlobChunk: chunk},
		"reputation": {Kind: PayloadReputation, Reputation: []ReputationUpdate{
			{Peer: "peer-a", Delta: -3, Reason: "late blocks"},
			{Peer: "peer-b", Delta: 5, Reason: "fast relay"},
		}},
	}
}

func TestPayloadRoundTrips(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	for name, payload := range payloadVariants() {
		t.Run(name, func(t *testing.T) {
			msg, err := NewMessage(payload, key)
			if err != nil {
				t.Fatalf("new message: %v", err)
			}
			encoded, err := EncodeMessage(msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodeMessage(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(msg.Body, decoded.Body) {
				t.Fatalf("body mismatch:\n%+v\n%+v", msg.Body, decoded.Body)
			}
			if !decoded.VerifySignature() {
				t.Fatalf("signature must verify after round trip")
			}
		})
	}
}

func TestMessageOptionalFieldsRoundTrip(t *testing.T) {
	_, key, _ := ed25519.GenerateKey(nil)
	msg, err := NewMessage(Payload{Kind: PayloadTx, Tx: []byte("x")}, key)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	partition := uint64(42)
	msg.Partition = &partition
	msg.CertFingerprint = []byte{1, 2, 3, 4}

	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Partition == nil || *decoded.Partition != partition {
		t.Fatalf("partition lost: %+v", decoded.Partition)
	}
	if !bytes.Equal(decoded.CertFingerprint, msg.CertFingerprint) {
		t.Fatalf("fingerprint lost")
	}
}

func TestPayloadRejectsMalformedInput(t *testing.T) {
	if _, err := DecodeMessage([]byte("short")); !errors.Is(err, ErrPayloadFormat) {
		t.Fatalf("expected format error, got %v", err)
	}

	bad := Payload{Kind: PayloadHello, Hello: []string{"not-an-address"}}
	if _, err := EncodePayload(&bad); !errors.Is(err, ErrPayloadFormat) {
		t.Fatalf("expected address validation error, got %v", err)
	}

	_, key, _ := ed25519.GenerateKey(nil)
	msg, _ := NewMessage(Payload{Kind: PayloadTx, Tx: []byte("x")}, key)
	encoded, _ := EncodeMessage(msg)
	if _, err := DecodeMessage(append(encoded, 0xFF)); !errors.Is(err, ErrPayloadFormat) {
		t.Fatalf("trailing bytes must fail, got %v", err)
	}

	// Tampered body invalidates the signature.
	tampered := append([]byte(nil), encoded...)
	tampered[len(tampered)-12] ^= 0x01
	decoded, err := DecodeMessage(tampered)
	if err == nil && decoded.VerifySignature() {
		t.Fatalf("tampered message must not verify")
	}
}
