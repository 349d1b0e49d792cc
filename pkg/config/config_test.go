package config

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{
		NodeID:     "node-1",
		LedgerPath: "/tmp/ledger",
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	if len(cfg.Chains) != 1 || cfg.Chains[0] != Sepolia {
		t.Fatalf("expected default Sepolia chain, got %#v", cfg.Chains)
	}
	if cfg.Timeouts.ResponseDeadline != 120*time.Second {
		t.Fatalf("expected defaulted ResponseDeadline, got %v", cfg.Timeouts.ResponseDeadline)
	}
}

func TestConfigValidateRequiresNodeID(t *testing.T) {
	cfg := &Config{LedgerPath: "/tmp/ledger"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing node id")
	}
}

func TestConfigValidateRequiresLedgerPath(t *testing.T) {
	cfg := &Config{NodeID: "node-1"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing ledger path")
	}
}

func TestTimeoutsWithDefaults(t *testing.T) {
	in := Timeouts{
		Dial:        time.Second,
		ChainSubmit: 42 * time.Second,
	}

	out := in.WithDefaults()

	if out.Dial != time.Second {
		t.Fatalf("Dial overwritten: got %v", out.Dial)
	}
	if out.ChainSubmit != 42*time.Second {
		t.Fatalf("ChainSubmit overwritten: got %v", out.ChainSubmit)
	}
	if out.ResponseDeadline != 120*time.Second {
		t.Fatalf("ResponseDeadline default mismatch: %v", out.ResponseDeadline)
	}
	if out.PaymentDeadline != 60*time.Second {
		t.Fatalf("PaymentDeadline default mismatch: %v", out.PaymentDeadline)
	}
	if out.ChainRead != 13*time.Second {
		t.Fatalf("ChainRead default mismatch: %v", out.ChainRead)
	}
	if out.ReceiptWait != 90*time.Second {
		t.Fatalf("ReceiptWait default mismatch: %v", out.ReceiptWait)
	}
	if out.ExpectedInvoice != 5*time.Minute {
		t.Fatalf("ExpectedInvoice default mismatch: %v", out.ExpectedInvoice)
	}
}

func TestChainByID(t *testing.T) {
	cfg := &Config{Chains: []Chain{Sepolia, Mainnet}}
	ch, ok := cfg.ChainByID(1)
	if !ok || ch.Name != "main" {
		t.Fatalf("expected to find mainnet, got %#v ok=%v", ch, ok)
	}
	if _, ok := cfg.ChainByID(999); ok {
		t.Fatal("expected unknown chain id to miss")
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	cfg := &Config{PrivateKey: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}
	if !cfg.HasPrivateKey() {
		t.Fatal("expected HasPrivateKey true")
	}
	key := cfg.GetPrivateKey()
	if key == nil {
		t.Fatal("expected parsed key")
	}
	if cfg.GetPrivateKey() != key {
		t.Fatal("expected cached key on second call")
	}
}

func TestRequirePrivateKeyMissing(t *testing.T) {
	cfg := &Config{}
	if _, err := cfg.RequirePrivateKey(); err == nil {
		t.Fatal("expected error when private key missing")
	}
}
