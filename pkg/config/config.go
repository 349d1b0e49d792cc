// Package config defines the runtime configuration for a node: the chains
// it settles on, its signing key, storage location, and the timeouts that
// govern orchestration, payment waits and chain submission. It also
// configures the process-wide zap logger, the way the teacher SDK's
// package init does.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
)

func init() {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Chain describes one EVM-compatible network this node can settle on.
type Chain struct {
	ID     int64  `json:"chain_id" yaml:"chain_id"`
	Name   string `json:"name" yaml:"name"`
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`
}

// Sepolia is a predefined Chain for Ethereum's Sepolia testnet.
var Sepolia = Chain{ID: 11155111, Name: "sepolia"}

// Mainnet is a predefined Chain for Ethereum mainnet.
var Mainnet = Chain{ID: 1, Name: "main"}

// Config holds everything needed to run one node's orchestrator, payment
// state machine and settlement client. Use Validate to fill implicit
// defaults and check required fields.
type Config struct {
	// NodeID is this node's overlay identity.
	NodeID string `json:"node_id" yaml:"node_id"`
	// Chains lists every chain this node may settle invoices on, keyed by
	// chain id at lookup time.
	Chains []Chain `json:"chains" yaml:"chains"`
	// PrivateKey is the hex-encoded ECDSA signing key used for invoice
	// signatures and transaction submission (optional for read-only nodes).
	PrivateKey string `json:"private_key" yaml:"private_key"`
	// LedgerPath is the directory the embedded ledger store opens.
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// Timeouts configures per-operation deadlines. See Timeouts.WithDefaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`

	privateKeyECDSA *ecdsa.PrivateKey
}

// Timeouts controls orchestration, payment and chain deadlines. Zero
// values are replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial             time.Duration // chain client dial
	ResponseDeadline time.Duration // per-peer response wait (spec default 120s)
	PaymentDeadline  time.Duration // pending-payment wait (spec default 60s)
	ChainRead        time.Duration // eth_call, balance etc
	ChainSubmit      time.Duration // send tx
	ReceiptWait      time.Duration // wait for tx receipt
	ExpectedInvoice  time.Duration // expected-invoice validity (spec default 5m)
}

// Validate normalizes the configuration, defaulting Chains to Sepolia
// when empty, and verifies that LedgerPath is provided.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		c.Chains = []Chain{Sepolia}
	}
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.LedgerPath == "" {
		return errors.New("ledger path is required")
	}
	c.Timeouts = c.Timeouts.WithDefaults()
	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:             15s
//	ResponseDeadline: 120s
//	PaymentDeadline:  60s
//	ChainRead:        13s
//	ChainSubmit:      25s
//	ReceiptWait:      90s
//	ExpectedInvoice:  5m
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 15 * time.Second
	}
	if tt.ResponseDeadline == 0 {
		tt.ResponseDeadline = 120 * time.Second
	}
	if tt.PaymentDeadline == 0 {
		tt.PaymentDeadline = 60 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 13 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ReceiptWait == 0 {
		tt.ReceiptWait = 90 * time.Second
	}
	if tt.ExpectedInvoice == 0 {
		tt.ExpectedInvoice = 5 * time.Minute
	}
	return tt
}

// ChainByID returns the configured Chain with the given id, or false.
func (c *Config) ChainByID(id int64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

// GetPrivateKey returns the parsed ECDSA private key, parsing and caching
// it on first call. Returns nil if PrivateKey is empty (read-only node).
func (c *Config) GetPrivateKey() *ecdsa.PrivateKey {
	if c.PrivateKey == "" {
		return nil
	}
	if c.privateKeyECDSA != nil {
		return c.privateKeyECDSA
	}
	_, key, err := chain.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil
	}
	c.privateKeyECDSA = key
	return c.privateKeyECDSA
}

// HasPrivateKey returns true if a private key is configured.
func (c *Config) HasPrivateKey() bool {
	return c.PrivateKey != ""
}

// RequirePrivateKey returns the private key or an error if not configured.
func (c *Config) RequirePrivateKey() (*ecdsa.PrivateKey, error) {
	if !c.HasPrivateKey() {
		return nil, fmt.Errorf("private key is required for this operation")
	}
	return c.GetPrivateKey(), nil
}
