package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Low difficulty keeps mining fast in tests.
const testDifficulty = 4

func TestGenerateMeetsDifficulty(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if got := id.Fingerprint.LeadingZeroBits(); got < testDifficulty {
		t.Errorf("fingerprint has %d leading zero bits, want >= %d", got, testDifficulty)
	}
	if err := VerifyPoW(id.Public, id.Nonce, id.Fingerprint, testDifficulty); err != nil {
		t.Errorf("VerifyPoW on fresh identity: %v", err)
	}
}

func TestVerifyPoWRejects(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}

	bad := id.Fingerprint
	bad[FingerprintLen-1] ^= 0x01
	if err := VerifyPoW(id.Public, id.Nonce, bad, testDifficulty); !errors.Is(err, ErrInsufficientPoW) {
		t.Errorf("mismatched fingerprint: got %v, want ErrInsufficientPoW", err)
	}
	if err := VerifyPoW(id.Public, id.Nonce, id.Fingerprint, 64); !errors.Is(err, ErrInsufficientPoW) {
		t.Errorf("impossible difficulty: got %v, want ErrInsufficientPoW", err)
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello mesh")
	sig := id.Sign(msg)
	if err := Verify(id.Public, msg, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	sig[0] ^= 0xff
	if err := Verify(id.Public, msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered signature: got %v, want ErrInvalidSignature", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key permissions = %o, want 600", perm)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint != id.Fingerprint {
		t.Errorf("fingerprint changed across save/load")
	}
	if got.Nonce != id.Nonce || got.Difficulty != id.Difficulty {
		t.Errorf("meta changed: nonce %d/%d difficulty %d/%d",
			got.Nonce, id.Nonce, got.Difficulty, id.Difficulty)
	}
}

func TestLoadRefusesLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "node.key"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("world-readable private key accepted")
	}
}

func TestLoadOrGenerateReusesIdentity(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrGenerate(dir, testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("second LoadOrGenerate minted a new identity")
	}
}

func TestLoadOrGenerateRefusesCorruptKey(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node.key"), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrGenerate(dir, testDifficulty); err == nil {
		t.Fatal("corrupt private key silently replaced")
	}
}

func TestRotateProducesVerifiableHandover(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	next, h, err := id.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	if next.Fingerprint == id.Fingerprint {
		t.Fatal("rotation kept the old fingerprint")
	}
	if err := VerifyHandover(h, testDifficulty); err != nil {
		t.Fatalf("handover rejected: %v", err)
	}

	h.NewNonce++
	if err := VerifyHandover(h, testDifficulty); err == nil {
		t.Error("tampered handover accepted")
	}
}
