/*
Package wire implements the canonical byte encoding for every record that
crosses the network or is signed.

Envelope layout (all integers little-endian):

	magic(4 = "IMSH") || ver(1) || peer_id(32) || nonce(u64) ||
	timestamp_ms(u64) || payload_len(u32) || payload || sig(64)

The Ed25519 signature covers magic..payload. Payloads start with a one-byte
tag followed by a tag-specific body. Decoding applies hard caps: envelope
1 MiB, arrays 10 000 elements, maps 1 000 entries. Signing never operates
on Go-native serialization; only these canonical bytes are signed.
*/
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/meshfind/meshfind/internal/identity"
)

// Envelope constants.
const (
	Version = 1

	// MaxEnvelope is the hard cap on a full encoded envelope.
	MaxEnvelope = 1 << 20
	// MaxArray is the hard cap on decoded array lengths.
	MaxArray = 10_000
	// MaxMap is the hard cap on decoded map sizes.
	MaxMap = 1_000
	// MaxString is the hard cap on a single decoded string.
	MaxString = 64 << 10

	headerLen = 4 + 1 + 32 + 8 + 8 + 4
	sigLen    = ed25519.SignatureSize
)

// Magic identifies a meshfind envelope on the wire.
var Magic = [4]byte{0x49, 0x4D, 0x53, 0x48} // "IMSH"

// Payload tags.
const (
	TagKeywordPointer     byte = 0x10
	TagContentAttestation byte = 0x20
	TagCrawlLock          byte = 0x30
	TagCrawlLockRelease   byte = 0x31
	TagTakedown           byte = 0x40
	TagDeletion           byte = 0x41
	TagAuditReport        byte = 0x50
	TagCreditLedgerRoot   byte = 0x60
)

// Envelope is the signed, timestamped, nonced wrapper for all records.
type Envelope struct {
	Ver         byte
	PeerID      identity.Fingerprint
	Nonce       uint64
	TimestampMs uint64
	Payload     []byte
	Sig         [sigLen]byte
}

// Encode renders the envelope to canonical bytes.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("envelope payload empty")
	}
	total := headerLen + len(e.Payload) + sigLen
	if total > MaxEnvelope {
		return nil, fmt.Errorf("envelope %d bytes exceeds cap %d", total, MaxEnvelope)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, Magic[:]...)
	buf = append(buf, e.Ver)
	buf = append(buf, e.PeerID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, e.TimestampMs)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = append(buf, e.Sig[:]...)
	return buf, nil
}

// SignedPortion returns the bytes the signature covers (magic..payload).
func (e *Envelope) SignedPortion() []byte {
	buf := make([]byte, 0, headerLen+len(e.Payload))
	buf = append(buf, Magic[:]...)
	buf = append(buf, e.Ver)
	buf = append(buf, e.PeerID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, e.TimestampMs)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf
}

// DecodeEnvelope parses canonical bytes. It never panics on malformed
// input; every length is checked before use.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelope {
		return nil, fmt.Errorf("envelope %d bytes exceeds cap %d", len(b), MaxEnvelope)
	}
	if len(b) < headerLen+1+sigLen {
		return nil, fmt.Errorf("envelope truncated: %d bytes", len(b))
	}
	if [4]byte(b[0:4]) != Magic {
		return nil, fmt.Errorf("bad magic %x", b[0:4])
	}
	e := &Envelope{Ver: b[4]}
	if e.Ver != Version {
		return nil, fmt.Errorf("unsupported envelope version %d", e.Ver)
	}
	copy(e.PeerID[:], b[5:37])
	e.Nonce = binary.LittleEndian.Uint64(b[37:45])
	e.TimestampMs = binary.LittleEndian.Uint64(b[45:53])
	plen := binary.LittleEndian.Uint32(b[53:57])
	if int(plen) != len(b)-headerLen-sigLen {
		return nil, fmt.Errorf("payload length %d does not match envelope size", plen)
	}
	e.Payload = make([]byte, plen)
	copy(e.Payload, b[headerLen:headerLen+int(plen)])
	copy(e.Sig[:], b[headerLen+int(plen):])
	return e, nil
}

// Seal builds and signs an envelope for the given record.
func Seal(id *identity.Identity, nonce, timestampMs uint64, rec Record) (*Envelope, error) {
	payload, err := EncodePayload(rec)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		Ver:         Version,
		PeerID:      id.Fingerprint,
		Nonce:       nonce,
		TimestampMs: timestampMs,
		Payload:     payload,
	}
	copy(e.Sig[:], id.Sign(e.SignedPortion()))
	return e, nil
}

// VerifySig checks the envelope signature against pub.
func (e *Envelope) VerifySig(pub ed25519.PublicKey) error {
	return identity.Verify(pub, e.SignedPortion(), e.Sig[:])
}

// --- bounded reader/writer ----------------------------------------------

type writer struct{ buf []byte }

func (w *writer) u8(v byte)     { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) f64(v float64) { w.u64(floatBits(v)) }
func (w *writer) hash(h [32]byte) {
	w.buf = append(w.buf, h[:]...)
}
func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.fail("truncated at offset %d, need %d bytes", r.off, n)
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) f64() float64 { return floatFromBits(r.u64()) }

func (r *reader) hash() (h [32]byte) {
	if !r.need(32) {
		return
	}
	copy(h[:], r.buf[r.off:])
	r.off += 32
	return
}

func (r *reader) str() string {
	n := r.u32()
	if n > MaxString {
		r.fail("string length %d exceeds cap %d", n, MaxString)
		return ""
	}
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) count() int {
	n := r.u32()
	if n > MaxArray {
		r.fail("array length %d exceeds cap %d", n, MaxArray)
		return 0
	}
	return int(n)
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing bytes after payload", len(r.buf)-r.off)
	}
	return nil
}
