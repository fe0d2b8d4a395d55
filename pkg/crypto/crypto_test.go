package crypto

import (
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("klingnet"))
	b := Hash([]byte("klingnet"))
	if a != b {
		t.Error("same input must hash identically")
	}
	if a == Hash([]byte("klingnet!")) {
		t.Error("different input should hash differently")
	}
}

func TestHashConcat_Order(t *testing.T) {
	a := types.Hash{0x01}
	b := types.Hash{0x02}
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat must be order-sensitive")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := Hash([]byte("block header"))

	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !VerifySignature(msg, sig, key.PublicKey()) {
		t.Error("valid signature rejected")
	}

	other := Hash([]byte("another header"))
	if VerifySignature(other, sig, key.PublicKey()) {
		t.Error("signature verified against the wrong hash")
	}
	if VerifySignature(msg, sig[:10], key.PublicKey()) {
		t.Error("truncated signature accepted")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	if _, err := PrivateKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("31-byte secret should be rejected")
	}
	secret := make([]byte, 32)
	secret[31] = 7
	k, err := PrivateKeyFromBytes(secret)
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes: %v", err)
	}
	if k.Address() != AddressFromPubKey(k.PublicKey()) {
		t.Error("Address must derive from the public key")
	}
}
