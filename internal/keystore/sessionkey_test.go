package keystore

import (
	"bytes"
	"testing"
)

func handshake(t *testing.T) (a, b *Identity, skA, skB *SessionKey) {
	t.Helper()

	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	b, err = GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	skA, err = a.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error: %v", err)
	}
	skB, err = b.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error: %v", err)
	}

	if !skA.Complete(b.Public(), skB.DHBytes()) {
		t.Fatal("A's Complete() should succeed")
	}
	if !skB.Complete(a.Public(), skA.DHBytes()) {
		t.Fatal("B's Complete() should succeed")
	}
	return a, b, skA, skB
}

func TestSessionKey_HalfOpen_CannotEncrypt(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	sk, err := id.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error: %v", err)
	}

	if sk.IsComplete() {
		t.Fatal("a freshly generated session key must be half-open")
	}
	if _, err := sk.Encrypt([]byte("hello")); err == nil {
		t.Error("Encrypt() should fail on a half-open session key")
	}
	if _, err := sk.Decrypt([]byte("hello")); err == nil {
		t.Error("Decrypt() should fail on a half-open session key")
	}
}

func TestSessionKey_Complete_Handshake(t *testing.T) {
	_, _, skA, skB := handshake(t)

	if !skA.IsComplete() || !skB.IsComplete() {
		t.Fatal("both session keys should be complete after a successful handshake")
	}
}

func TestSessionKey_Complete_AlreadyComplete(t *testing.T) {
	_, b, skA, _ := handshake(t)

	if skA.Complete(b.Public(), make([]byte, 32)) {
		t.Error("Complete() should fail once the key is already complete")
	}
}

func TestSessionKey_Complete_InvalidDHLength(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	sk, err := a.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error: %v", err)
	}

	if sk.Complete(b.Public(), []byte("too short")) {
		t.Error("Complete() should reject DH bytes of the wrong length")
	}
}

func TestSessionKey_Complete_InvalidPublicKey(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	sk, err := a.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error: %v", err)
	}

	if sk.Complete([]byte("bad key"), make([]byte, 32)) {
		t.Error("Complete() should reject a malformed peer public key")
	}
}

func TestSessionKey_EncryptDecrypt_Roundtrip(t *testing.T) {
	_, _, skA, skB := handshake(t)

	plaintext := []byte("stable connect payload")
	frame, err := skA.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	got, err := skB.Decrypt(frame)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestSessionKey_DirectionsAreIndependent(t *testing.T) {
	_, _, skA, skB := handshake(t)

	aToB, err := skA.Encrypt([]byte("from A"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	bToA, err := skB.Encrypt([]byte("from B"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := skB.Decrypt(aToB); err != nil {
		t.Errorf("B should decrypt A's frame: %v", err)
	}
	if _, err := skA.Decrypt(bToA); err != nil {
		t.Errorf("A should decrypt B's frame: %v", err)
	}

	// A must not be able to decrypt its own outbound frame with its recv key.
	if _, err := skA.Decrypt(aToB); err == nil {
		t.Error("A should not be able to decrypt a frame it sent")
	}
}

func TestSessionKey_Decrypt_RejectsReplay(t *testing.T) {
	_, _, skA, skB := handshake(t)

	frame, err := skA.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := skB.Decrypt(frame); err != nil {
		t.Fatalf("first Decrypt() error: %v", err)
	}

	if _, err := skB.Decrypt(frame); err == nil {
		t.Error("replaying the same frame should be rejected (P4)")
	}
}

func TestSessionKey_Decrypt_SequenceMustIncrease(t *testing.T) {
	_, _, skA, skB := handshake(t)

	f1, err := skA.Encrypt([]byte("one"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	f2, err := skA.Encrypt([]byte("two"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := skB.Decrypt(f2); err != nil {
		t.Fatalf("Decrypt(f2) error: %v", err)
	}
	if _, err := skB.Decrypt(f1); err == nil {
		t.Error("decrypting an earlier sequence number after a later one should fail (P4)")
	}
}

func TestSessionKey_Decrypt_CorruptedFrame(t *testing.T) {
	_, _, skA, skB := handshake(t)

	frame, err := skA.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	corrupted := append([]byte(nil), frame...)
	corrupted[len(corrupted)-1] ^= 0x01

	if _, err := skB.Decrypt(corrupted); err == nil {
		t.Error("a corrupted frame should fail authentication")
	}
}

func TestSessionKey_Decrypt_TooShort(t *testing.T) {
	_, _, _, skB := handshake(t)

	if _, err := skB.Decrypt([]byte("abc")); err == nil {
		t.Error("Decrypt() should reject a frame shorter than the sequence prefix")
	}
}
