// Package settlement implements the on-chain settlement client: per-chain
// nonce management, invoice payment, batch settlement, and payment-proof
// verification, built directly on pkg/chain.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/wei"
)

// sanityCeiling is 10^15 ether in wei: 10^15 * 10^18.
var sanityCeiling = new(big.Int).Exp(big.NewInt(10), big.NewInt(33), nil)

// Config bounds the settlement client's chain interactions.
type Config struct {
	ReceiptMaxBackoff time.Duration
}

// DefaultConfig matches the spec's stated receipt-wait ceiling.
func DefaultConfig() Config {
	return Config{ReceiptMaxBackoff: 30 * time.Second}
}

// Client manages one chain.Client per chain id and one nonce manager per
// chain for a single signing address.
type Client struct {
	signer  *ecdsa.PrivateKey
	address common.Address
	chains  map[int64]*chain.Client
	nonces  map[int64]*NonceManager
	cfg     Config
}

// New builds a settlement Client signing with signer, talking to the given
// per-chain-id chain.Client set.
func New(signer *ecdsa.PrivateKey, chains map[int64]*chain.Client, cfg Config) (*Client, error) {
	addr, err := chain.AddressFromKey(signer)
	if err != nil {
		return nil, err
	}
	nonces := make(map[int64]*NonceManager, len(chains))
	for chainID, c := range chains {
		nonces[chainID] = NewNonceManager(c, addr)
	}
	return &Client{signer: signer, address: addr, chains: chains, nonces: nonces, cfg: cfg}, nil
}

// Pay validates and submits one invoice, awaiting its receipt. On success
// the nonce is committed; on any failure after acquisition it is rolled
// back so the same value is reissued.
func (c *Client) Pay(ctx context.Context, invoice model.Invoice) (model.PaymentProof, error) {
	chainClient, ok := c.chains[invoice.ChainID]
	if !ok {
		return model.PaymentProof{}, errs.Newf(errs.InputInvalid, "no chain client configured for chain %d", invoice.ChainID)
	}
	nonceMgr, ok := c.nonces[invoice.ChainID]
	if !ok {
		return model.PaymentProof{}, errs.Newf(errs.InputInvalid, "no nonce manager configured for chain %d", invoice.ChainID)
	}
	if !common.IsHexAddress(invoice.Recipient) {
		return model.PaymentProof{}, errs.Newf(errs.InputInvalid, "invalid recipient address %q", invoice.Recipient)
	}

	amount, err := wei.ToWei(invoice.Amount)
	if err != nil {
		return model.PaymentProof{}, err
	}
	if amount.Sign() <= 0 {
		return model.PaymentProof{}, errs.New(errs.InputInvalid, "invoice amount must be positive")
	}
	if amount.Cmp(sanityCeiling) > 0 {
		return model.PaymentProof{}, errs.New(errs.InputInvalid, "invoice amount exceeds sanity ceiling")
	}

	if err := c.checkBalance(ctx, chainClient, invoice, amount); err != nil {
		return model.PaymentProof{}, err
	}

	nonce, err := nonceMgr.Acquire(ctx)
	if err != nil {
		return model.PaymentProof{}, err
	}

	recipient := common.HexToAddress(invoice.Recipient)
	var txHash common.Hash
	if invoice.TokenAddress != "" {
		txHash, err = chainClient.ERC20At(common.HexToAddress(invoice.TokenAddress)).Transfer(ctx, c.signer, recipient, amount, nonce)
	} else {
		txHash, err = chainClient.SendNativeTransfer(ctx, c.signer, recipient, amount, nonce)
	}
	if err != nil {
		nonceMgr.Rollback()
		return model.PaymentProof{}, err
	}

	receipt, err := chainClient.WaitForTransaction(ctx, txHash, c.cfg.ReceiptMaxBackoff)
	if err != nil {
		nonceMgr.Rollback()
		return model.PaymentProof{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		nonceMgr.Rollback()
		return model.PaymentProof{}, errs.New(errs.OnChain, "settlement transaction reverted")
	}

	nonceMgr.Commit()
	return model.PaymentProof{InvoiceID: invoice.ID, TxHash: txHash.Hex(), ChainID: invoice.ChainID}, nil
}

// checkBalance verifies c's signing address holds at least amount of the
// invoice's settlement asset before a transfer is submitted: native
// balance for plain transfers, ERC-20 balance for token transfers.
func (c *Client) checkBalance(ctx context.Context, chainClient *chain.Client, invoice model.Invoice, amount *big.Int) error {
	var balance *big.Int
	var err error
	if invoice.TokenAddress != "" {
		balance, err = chainClient.ERC20At(common.HexToAddress(invoice.TokenAddress)).BalanceOf(ctx, c.address)
	} else {
		balance, err = chainClient.BalanceAt(ctx, c.address)
	}
	if err != nil {
		return errs.Wrap(errs.OnChain, "read balance before settlement", err)
	}
	if balance.Cmp(amount) < 0 {
		return errs.Newf(errs.InputInvalid, "insufficient balance: have %s, need %s", balance, amount)
	}
	return nil
}

// BatchResult is one settlement group's outcome from BatchSettle.
type BatchResult struct {
	Recipient string
	ChainID   int64
	Token     string
	Amount    string
	Proof     model.PaymentProof
	Err       error
}

// groupInvoices merges invoices that share (recipient, chainId, token),
// summing their amounts through the exact wei path. Order of first
// appearance is preserved so settlement is deterministic across runs.
func groupInvoices(invoices []model.Invoice) ([]model.Invoice, error) {
	type groupKey struct {
		recipient string
		chainID   int64
		token     string
	}
	groups := map[groupKey]*model.Invoice{}
	order := make([]groupKey, 0, len(invoices))
	for _, inv := range invoices {
		k := groupKey{inv.Recipient, inv.ChainID, inv.Token}
		existing, ok := groups[k]
		if !ok {
			cp := inv
			groups[k] = &cp
			order = append(order, k)
			continue
		}
		a, err := wei.ToWei(existing.Amount)
		if err != nil {
			return nil, err
		}
		b, err := wei.ToWei(inv.Amount)
		if err != nil {
			return nil, err
		}
		existing.Amount = wei.FromWei(a.Add(a, b))
	}

	out := make([]model.Invoice, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out, nil
}

// BatchSettle groups invoices by (recipient, chainId, token), sums amounts
// per group, and pays each group once.
func (c *Client) BatchSettle(ctx context.Context, invoices []model.Invoice) ([]BatchResult, error) {
	grouped, err := groupInvoices(invoices)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(grouped))
	for _, inv := range grouped {
		proof, err := c.Pay(ctx, inv)
		results = append(results, BatchResult{
			Recipient: inv.Recipient,
			ChainID:   inv.ChainID,
			Token:     inv.Token,
			Amount:    inv.Amount,
			Proof:     proof,
			Err:       err,
		})
	}
	return results, nil
}

// VerifyPayment checks proof's receipt against invoice: for native-token
// invoices the transaction's recipient must match and its value must be at
// least the invoice amount; for ERC20-style invoices (identified by
// TokenAddress) the first Transfer event from the token to the recipient
// must carry at least the invoice amount.
func (c *Client) VerifyPayment(ctx context.Context, proof model.PaymentProof, invoice model.Invoice) (bool, error) {
	if proof.ChainID != invoice.ChainID {
		return false, nil
	}
	chainClient, ok := c.chains[proof.ChainID]
	if !ok {
		return false, errs.Newf(errs.InputInvalid, "no chain client configured for chain %d", proof.ChainID)
	}

	txHash := common.HexToHash(proof.TxHash)
	receipt, err := chainClient.ReceiptByHash(ctx, txHash)
	if err != nil {
		return false, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	expected, err := wei.ToWei(invoice.Amount)
	if err != nil {
		return false, err
	}
	recipient := common.HexToAddress(invoice.Recipient)

	if invoice.TokenAddress == "" {
		tx, err := chainClient.TransactionByHash(ctx, txHash)
		if err != nil {
			return false, err
		}
		if tx.To() == nil || *tx.To() != recipient {
			return false, nil
		}
		return tx.Value().Cmp(expected) >= 0, nil
	}

	tokenAddr := common.HexToAddress(invoice.TokenAddress)
	value, found := chain.DecodeTransferLogs(receipt, tokenAddr, recipient)
	if !found {
		return false, nil
	}
	return value.Cmp(expected) >= 0, nil
}
