package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wantAddr, err := AddressFromKey(key)
	if err != nil {
		t.Fatalf("address from key: %v", err)
	}

	message := []byte(`{"amount":"1.5"}`)
	sig, err := Sign(message, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}

	gotAddr, err := RecoverAddress(message, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if gotAddr != wantAddr {
		t.Fatalf("recovered address %s, want %s", gotAddr, wantAddr)
	}
}

func TestRecoverAddressRejectsBadSignatureLength(t *testing.T) {
	if _, err := RecoverAddress([]byte("msg"), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestAddressFromKeyRejectsNil(t *testing.T) {
	if _, err := AddressFromKey(nil); err == nil {
		t.Fatal("expected error for nil key")
	}
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := crypto.FromECDSA(key)
	addr, parsed, err := ParsePrivateKey(hexToStringNoPrefix(hexKey))
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	wantAddr, _ := AddressFromKey(key)
	if addr != wantAddr {
		t.Fatalf("address = %s, want %s", addr, wantAddr)
	}
	if parsed == nil {
		t.Fatal("expected non-nil parsed key")
	}
}

func hexToStringNoPrefix(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
