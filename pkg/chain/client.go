// Package chain wraps github.com/ethereum/go-ethereum's client with the
// pieces the settlement client and payment state machine need: dialing,
// exponential-backoff receipt polling, EIP-191 personal-sign signing, and a
// minimal ERC-20 binding. It generalizes the teacher's pkg/blockchain
// (EVMClient.WaitForTransaction, GetSignature, util.go's key helpers) away
// from SingularityNET's specific MultiPartyEscrow/Registry contracts toward
// plain native-token transfers and ERC-20 transfers.
package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
)

// HashPrefix32Bytes is the standard Ethereum personal-sign prefix for
// 32-byte messages.
var HashPrefix32Bytes = []byte("\x19Ethereum Signed Message:\n32")

// Client wraps one *ethclient.Client bound to a specific chain id.
type Client struct {
	ChainID *big.Int
	Eth     *ethclient.Client
}

// Dial connects to rpcURL and confirms it serves the expected chain id.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "dial chain rpc", err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, errs.Wrap(errs.Transport, "read chain id", err)
	}
	if got.Int64() != chainID {
		eth.Close()
		return nil, errs.Newf(errs.InputInvalid, "rpc endpoint serves chain %s, want %d", got, chainID)
	}
	return &Client{ChainID: got, Eth: eth}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.Eth != nil {
		c.Eth.Close()
	}
}

// WaitForTransaction polls for a receipt with exponential backoff until it
// is available, the context is done, or a non-retryable error occurs.
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*types.Receipt, error) {
	backoff := time.Second
	for {
		receipt, err := c.Eth.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, errs.Newf(errs.OnChain, "tx %s reverted", txHash)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.Timeout, "waiting for receipt", ctx.Err())
			}
			if maxBackoff == 0 || backoff < maxBackoff {
				backoff *= 2
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, errs.Wrap(errs.Timeout, "waiting for receipt", err)
		default:
			return nil, errs.Wrap(errs.OnChain, "receipt lookup failed", err)
		}
	}
}

// PendingNonceAt returns the next nonce the chain expects from addr,
// counting pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := c.Eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errs.Wrap(errs.Transport, "read pending nonce", err)
	}
	return n, nil
}

// BalanceAt returns addr's native-token balance at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.Eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "read native balance", err)
	}
	return bal, nil
}

// BlockNumber returns the chain's current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.Eth.BlockNumber(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.Transport, "read block number", err)
	}
	return n, nil
}

// SuggestGasPrice asks the node for a gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.Eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "suggest gas price", err)
	}
	return p, nil
}

// SendNativeTransfer submits a plain value transfer of amount wei to
// recipient, signed with key, using nonce.
func (c *Client) SendNativeTransfer(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    amount,
		Gas:      21000,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.ChainID), key)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.OnChain, "sign transaction", err)
	}
	if err := c.Eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errs.Wrap(errs.OnChain, "submit transaction", err)
	}
	return signed.Hash(), nil
}

// sendContractCall submits a contract call (e.g. an ERC-20 transfer) as a legacy
// transaction signed by key, using the given nonce.
func (c *Client) sendContractCall(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, nonce uint64) (common.Hash, error) {
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit, err := c.Eth.EstimateGas(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		gasLimit = 100000
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Data:     data,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.ChainID), key)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.OnChain, "sign transaction", err)
	}
	if err := c.Eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errs.Wrap(errs.OnChain, "submit transaction", err)
	}
	return signed.Hash(), nil
}

// ReceiptByHash is a thin passthrough used by settlement verification.
func (c *Client) ReceiptByHash(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.Eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, errs.Wrap(errs.OnChain, "fetch receipt", err)
	}
	return r, nil
}

// TransactionByHash returns the mined transaction, used to recover the
// native-transfer value and recipient during proof verification.
func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, error) {
	tx, _, err := c.Eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, errs.Wrap(errs.OnChain, "fetch transaction", err)
	}
	return tx, nil
}

// Sign produces an Ethereum personal-sign (EIP-191 style) signature over
// message: keccak256(prefix || keccak256(message)), signed with key.
func Sign(message []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	hash := crypto.Keccak256(HashPrefix32Bytes, crypto.Keccak256(message))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		zap.L().Error("failed to sign message", zap.Error(err))
		return nil, errs.Wrap(errs.OnChain, "sign message", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer address of an EIP-191 personal-sign
// signature over message.
func RecoverAddress(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errs.New(errs.InputInvalid, "signature must be 65 bytes")
	}
	hash := crypto.Keccak256(HashPrefix32Bytes, crypto.Keccak256(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.InputInvalid, "recover public key", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PublicKeyHex returns the 0x-prefixed hex-encoded uncompressed public key
// for key, for embedding in a signed Invoice.
func PublicKeyHex(key *ecdsa.PrivateKey) string {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return ""
	}
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(pub))
}

// AddressFromPublicKeyHex parses a hex-encoded uncompressed public key (as
// produced by PublicKeyHex) and returns its Ethereum address.
func AddressFromPublicKeyHex(pubHex string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return common.Address{}, errs.Wrap(errs.InputInvalid, "decode public key hex", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.InputInvalid, "unmarshal public key", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// AddressFromKey derives the Ethereum address for an ECDSA private key.
func AddressFromKey(key *ecdsa.PrivateKey) (common.Address, error) {
	if key == nil {
		return common.Address{}, errs.New(errs.InputInvalid, "nil private key")
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, errs.New(errs.InputInvalid, "unexpected public key type")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParsePrivateKey parses a hex-encoded ECDSA private key, accepting an
// optional "0x" prefix.
func ParsePrivateKey(hexKey string) (common.Address, *ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, nil, errs.Wrap(errs.InputInvalid, "parse private key", err)
	}
	addr, err := AddressFromKey(key)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, key, nil
}
