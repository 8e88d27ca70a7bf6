package wire

import (
	"bytes"
	"testing"

	"github.com/meshfind/meshfind/internal/identity"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	// Difficulty 4 keeps the PoW search fast in tests.
	id, err := identity.Generate(4)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestEnvelopeRoundTrip(t *testing.T) {
	id := testIdentity(t)

	records := []Record{
		&KeywordPointer{
			DocID:       42,
			Relevance:   0.87,
			ContentHash: [32]byte{1, 2, 3},
			PublishedAt: 1700000000000,
			URL:         "https://docs.example.org/intro",
			Title:       "Intro",
			Snippet:     "The quick brown fox",
		},
		&ContentAttestation{
			CanonicalURL: "https://docs.example.org/intro",
			RawHash:      [32]byte{4},
			ContentHash:  [32]byte{5},
			CrawlTime:    1700000000000,
		},
		&CrawlLock{CanonicalURL: "https://a.example/x", AcquiredAt: 1, TTLSeconds: 300},
		&CrawlLockRelease{CanonicalURL: "https://a.example/x", ReleasedAt: 2},
		&Takedown{TargetURL: "https://a.example/x", Reason: "dmca", IssuedAt: 3},
		&Deletion{ContentHash: [32]byte{9}, Reason: "gdpr", IssuedAt: 4},
		&AuditReport{
			TargetPeer:   id.Fingerprint,
			TargetURL:    "https://a.example/x",
			AttestedHash: [32]byte{6},
			ObservedHash: [32]byte{6},
			Epoch:        12,
			Timestamp:    5,
		},
		&CreditLedgerRoot{Root: [32]byte{7}, Height: 99, Timestamp: 6},
	}

	for _, rec := range records {
		env, err := Seal(id, 1, 1700000000000, rec)
		if err != nil {
			t.Fatalf("seal tag 0x%02x: %v", rec.Tag(), err)
		}
		raw, err := env.Encode()
		if err != nil {
			t.Fatalf("encode tag 0x%02x: %v", rec.Tag(), err)
		}

		got, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode tag 0x%02x: %v", rec.Tag(), err)
		}
		if err := got.VerifySig(id.Public); err != nil {
			t.Fatalf("verify tag 0x%02x: %v", rec.Tag(), err)
		}
		if got.PeerID != id.Fingerprint {
			t.Errorf("peer id mismatch")
		}

		// Encode(Decode(bytes)) must reproduce the input exactly.
		again, err := got.Encode()
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(raw, again) {
			t.Errorf("tag 0x%02x: re-encoded envelope differs", rec.Tag())
		}

		if _, err := DecodePayload(got.Payload); err != nil {
			t.Fatalf("decode payload tag 0x%02x: %v", rec.Tag(), err)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	id := testIdentity(t)
	env, err := Seal(id, 1, 1, &CrawlLock{CanonicalURL: "https://a.example/", AcquiredAt: 1, TTLSeconds: 300})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := env.Encode()

	cases := []struct {
		name string
		mut  func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"bad magic", func(b []byte) []byte { c := append([]byte{}, b...); c[0] = 'X'; return c }},
		{"bad version", func(b []byte) []byte { c := append([]byte{}, b...); c[4] = 9; return c }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-10] }},
		{"length lies", func(b []byte) []byte { c := append([]byte{}, b...); c[53] ^= 0x01; return c }},
		{"oversized", func(b []byte) []byte { return make([]byte, MaxEnvelope+1) }},
	}
	for _, tc := range cases {
		if _, err := DecodeEnvelope(tc.mut(raw)); err == nil {
			t.Errorf("%s: expected decode error", tc.name)
		}
	}
}

func TestTamperedSignatureFails(t *testing.T) {
	id := testIdentity(t)
	env, err := Seal(id, 7, 1700000000000, &ContentAttestation{
		CanonicalURL: "https://a.example/", RawHash: [32]byte{1}, ContentHash: [32]byte{2}, CrawlTime: 1})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Payload[5] ^= 0xFF
	if err := env.VerifySig(id.Public); err == nil {
		t.Fatal("expected signature failure after payload tamper")
	}
}

func TestPayloadRejectsUnknownTag(t *testing.T) {
	if _, err := DecodePayload([]byte{0xEE, 0, 0}); err == nil {
		t.Fatal("expected unknown tag error")
	}
}

func TestPointerRelevanceRange(t *testing.T) {
	p := &KeywordPointer{DocID: 1, Relevance: 1.5, URL: "https://a.example/"}
	payload, err := EncodePayload(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePayload(payload); err == nil {
		t.Fatal("expected range error for relevance > 1")
	}
}
