package core

// Peer payload codec. Every message a peer submits is a signed envelope
// around one of eight payload variants, length-prefixed little-endian on
// the wire. Block and transaction bodies stay opaque here — their framing
// belongs to the ledger codec.

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrPayloadFormat marks malformed wire bytes. Not retryable.
var ErrPayloadFormat = errors.New("payload: malformed message")

// Payload tags.
type PayloadKind byte

const (
	PayloadHandshake PayloadKind = iota
	PayloadHello
	PayloadTx
	PayloadBlobTx
	PayloadBlock
	PayloadChain
	PayloadBlobChunk
	PayloadReputation
)

// BlobChunk is one erasure-coded piece of a blob.
type BlobChunk struct {
	Root  [32]byte `json:"root"`
	Index uint32   `json:"index"`
	Total uint32   `json:"total"`
	Data  []byte   `json:"data"`
}

// ReputationUpdate adjusts a peer's gossip score.
type ReputationUpdate struct {
	Peer   string `json:"peer"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// Payload is the tagged union of peer message bodies. Exactly the variant
// named by Kind is populated.
type Payload struct {
	Kind       PayloadKind
	Handshake  []byte
	Hello      []string // socket addresses
	Tx         []byte
	BlobTx     []byte
	BlockShard uint16
	Block      []byte
	Chain      [][]byte
	BlobChunk  *BlobChunk
	Reputation []ReputationUpdate
}

// Message is the signed peer envelope.
type Message struct {
	Pubkey          [32]byte
	Signature       []byte
	Body            Payload
	Partition       *uint64
	CertFingerprint []byte
}

// NewMessage signs body with the submitting peer's key.
func NewMessage(body Payload, key ed25519.PrivateKey) (*Message, error) {
	encodedBody, err := EncodePayload(&body)
	if err != nil {
		return nil, err
	}
	msg := &Message{Body: body, Signature: ed25519.Sign(key, encodedBody)}
	copy(msg.Pubkey[:], key.Public().(ed25519.PublicKey))
	return msg, nil
}

// VerifySignature checks the envelope signature over the encoded body.
func (m *Message) VerifySignature() bool {
	encodedBody, err := EncodePayload(&m.Body)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(m.Pubkey[:]), encodedBody, m.Signature)
}

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) byteField(v byte) { w.buf = append(w.buf, v) }

func (w *wireWriter) bytes(v []byte) {
	w.u64(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *wireWriter) str(v string) { w.bytes([]byte(v)) }

type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrPayloadFormat
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *wireReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrPayloadFormat
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *wireReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrPayloadFormat
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *wireReader) byteField() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrPayloadFormat
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *wireReader) bytes() ([]byte, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < n {
		return nil, ErrPayloadFormat
	}
	out := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return out, nil
}

func (r *wireReader) str() (string, error) {
	raw, err := r.bytes()
	return string(raw), err
}

// EncodePayload renders the body for signing and transport.
func EncodePayload(p *Payload) ([]byte, error) {
	w := &wireWriter{}
	w.byteField(byte(p.Kind))
	switch p.Kind {
	case PayloadHandshake:
		w.bytes(p.Handshake)
	case PayloadHello:
		w.u64(uint64(len(p.Hello)))
		for _, addr := range p.Hello {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return nil, fmt.Errorf("%w: hello address %q", ErrPayloadFormat, addr)
			}
			w.str(addr)
		}
	case PayloadTx:
		w.bytes(p.Tx)
	case PayloadBlobTx:
		w.bytes(p.BlobTx)
	case PayloadBlock:
		w.u16(p.BlockShard)
		w.bytes(p.Block)
	case PayloadChain:
		w.u64(uint64(len(p.Chain)))
		for _, block := range p.Chain {
			w.bytes(block)
		}
	case PayloadBlobChunk:
		if p.BlobChunk == nil {
			return nil, fmt.Errorf("%w: missing blob chunk", ErrPayloadFormat)
		}
		w.buf = append(w.buf, p.BlobChunk.Root[:]...)
		w.u32(p.BlobChunk.Index)
		w.u32(p.BlobChunk.Total)
		w.bytes(p.BlobChunk.Data)
	case PayloadReputation:
		w.u64(uint64(len(p.Reputation)))
		for _, update := range p.Reputation {
			w.str(update.Peer)
			w.u64(uint64(update.Delta))
			w.str(update.Reason)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %d", ErrPayloadFormat, p.Kind)
	}
	return w.buf, nil
}

func decodePayload(r *wireReader) (Payload, error) {
	var p Payload
	kind, err := r.byteField()
	if err != nil {
		return p, err
	}
	p.Kind = PayloadKind(kind)
	switch p.Kind {
	case PayloadHandshake:
		if p.Handshake, err = r.bytes(); err != nil {
			return p, err
		}
	case PayloadHello:
		count, err := r.u64()
		if err != nil {
			return p, err
		}
		for i := uint64(0); i < count; i++ {
			addr, err := r.str()
			if err != nil {
				return p, err
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return p, fmt.Errorf("%w: hello address %q", ErrPayloadFormat, addr)
			}
			p.Hello = append(p.Hello, addr)
		}
	case PayloadTx:
		if p.Tx, err = r.bytes(); err != nil {
			return p, err
		}
	case PayloadBlobTx:
		if p.BlobTx, err = r.bytes(); err != nil {
			return p, err
		}
	case PayloadBlock:
		if p.BlockShard, err = r.u16(); err != nil {
			return p, err
		}
		if p.Block, err = r.bytes(); err != nil {
			return p, err
		}
	case PayloadChain:
		count, err := r.u64()
		if err != nil {
			return p, err
		}
		for i := uint64(0); i < count; i++ {
			block, err := r.bytes()
			if err != nil {
				return p, err
			}
			p.Chain = append(p.Chain, block)
		}
	case PayloadBlobChunk:
		if r.remaining() < 32 {
			return p, ErrPayloadFormat
		}
		chunk := &BlobChunk{}
		copy(chunk.Root[:], r.buf[r.off:r.off+32])
		r.off += 32
		if chunk.Index, err = r.u32(); err != nil {
			return p, err
		}
		if chunk.Total, err = r.u32(); err != nil {
			return p, err
		}
		if chunk.Data, err = r.bytes(); err != nil {
			return p, err
		}
		p.BlobChunk = chunk
	case PayloadReputation:
		count, err := r.u64()
		if err != nil {
			return p, err
		}
		for i := uint64(0); i < count; i++ {
			var update ReputationUpdate
			if update.Peer, err = r.str(); err != nil {
				return p, err
			}
			delta, err := r.u64()
			if err != nil {
				return p, err
			}
			update.Delta = int64(delta)
			if update.Reason, err = r.str(); err != nil {
				return p, err
			}
			p.Reputation = append(p.Reputation, update)
		}
	default:
		return p, fmt.Errorf("%w: unknown payload kind %d", ErrPayloadFormat, kind)
	}
	return p, nil
}

// EncodeMessage renders the full signed envelope.
func EncodeMessage(m *Message) ([]byte, error) {
	w := &wireWriter{}
	w.buf = append(w.buf, m.Pubkey[:]...)
	w.bytes(m.Signature)
	body, err := EncodePayload(&m.Body)
	if err != nil {
		return nil, err
	}
	w.buf = append(w.buf, body...)
	if m.Partition != nil {
		w.byteField(1)
		w.u64(*m.Partition)
	} else {
		w.byteField(0)
	}
	if m.CertFingerprint != nil {
		w.byteField(1)
		w.bytes(m.CertFingerprint)
	} else {
		w.byteField(0)
	}
	return w.buf, nil
}

// DecodeMessage parses a signed envelope.
func DecodeMessage(raw []byte) (*Message, error) {
	r := &wireReader{buf: raw}
	if r.remaining() < 32 {
		return nil, ErrPayloadFormat
	}
	msg := &Message{}
	copy(msg.Pubkey[:], r.buf[:32])
	r.off = 32
	var err error
	if msg.Signature, err = r.bytes(); err != nil {
		return nil, err
	}
	if msg.Body, err = decodePayload(r); err != nil {
		return nil, err
	}
	partitionFlag, err := r.byteField()
	if err != nil {
		return nil, err
	}
	if partitionFlag != 0 {
		partition, err := r.u64()
		if err != nil {
			return nil, err
		}
		msg.Partition = &partition
	}
	fingerprintFlag, err := r.byteField()
	if err != nil {
		return nil, err
	}
	if fingerprintFlag != 0 {
		if msg.CertFingerprint, err = r.bytes(); err != nil {
			return nil, err
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrPayloadFormat)
	}
	return msg, nil
}
