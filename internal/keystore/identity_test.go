package keystore

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	pub := id.Public()
	if len(pub) != ed25519.PublicKeySize {
		t.Errorf("Public() length = %d, want %d", len(pub), ed25519.PublicKeySize)
	}

	ser := id.Serialize()
	if len(ser) != ed25519.PrivateKeySize {
		t.Errorf("Serialize() length = %d, want %d", len(ser), ed25519.PrivateKeySize)
	}
}

func TestGenerateIdentity_Unique(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	if bytes.Equal(a.Serialize(), b.Serialize()) {
		t.Error("two generated identities should not be identical")
	}
	if a.PeerID() == b.PeerID() {
		t.Error("two generated identities should have distinct peer ids")
	}
}

func TestIdentityFromBytes(t *testing.T) {
	original, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	restored, err := IdentityFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("IdentityFromBytes() error: %v", err)
	}

	if !bytes.Equal(original.Public(), restored.Public()) {
		t.Error("restored identity should have the same public key")
	}
	if original.PeerID() != restored.PeerID() {
		t.Error("restored identity should have the same peer id")
	}
}

func TestIdentityFromBytes_InvalidLength(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too short", make([]byte, 32)},
		{"too long", make([]byte, 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := IdentityFromBytes(tt.data); err == nil {
				t.Error("expected error for invalid key length")
			}
		})
	}
}

func TestIdentity_PeerID_Deterministic(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	restored, err := IdentityFromBytes(id.Serialize())
	if err != nil {
		t.Fatalf("IdentityFromBytes() error: %v", err)
	}

	if id.PeerID() != restored.PeerID() {
		t.Error("peer id must be a deterministic function of the public key")
	}
}

func TestSign_Verify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	msg := []byte("test message")
	sig := id.Sign(msg)
	if len(sig) != ed25519.SignatureSize {
		t.Errorf("signature length = %d, want %d", len(sig), ed25519.SignatureSize)
	}

	peerID, ok := VerifyIdentity(id.Public(), msg, sig)
	if !ok {
		t.Fatal("signature should verify against the correct key and message")
	}
	if peerID != id.PeerID() {
		t.Error("VerifyIdentity should return the same peer id as PeerID()")
	}
}

func TestVerifyIdentity_WrongMessage(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	sig := id.Sign([]byte("message"))
	if _, ok := VerifyIdentity(id.Public(), []byte("different message"), sig); ok {
		t.Error("signature should not verify against a different message")
	}
}

func TestVerifyIdentity_WrongKey(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	sig := a.Sign([]byte("message"))
	if _, ok := VerifyIdentity(b.Public(), []byte("message"), sig); ok {
		t.Error("signature should not verify against the wrong public key")
	}
}

func TestVerifyIdentity_InvalidPublicKey(t *testing.T) {
	if _, ok := VerifyIdentity([]byte("short"), []byte("msg"), make([]byte, ed25519.SignatureSize)); ok {
		t.Error("should return false for a malformed public key")
	}
}

func TestIdentity_Zero(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	id.Zero()

	ser := id.Serialize()
	for i, b := range ser {
		if b != 0 {
			t.Fatalf("Serialize()[%d] = %#x after Zero(), want 0", i, b)
		}
	}
}
