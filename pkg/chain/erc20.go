package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
)

// erc20ABI is the minimal subset of the ERC-20 interface the settlement
// client needs: a balance read, a transfer write, and the Transfer event
// used to verify inbound payment proofs. The teacher's generated
// MultiPartyEscrow/Registry/FetchToken bindings are produced by an abigen
// step whose output is not part of this repository (see DESIGN.md); this
// binding is written directly against go-ethereum's abi package instead
// of reusing a generated one.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("chain: invalid embedded erc20 abi: " + err.Error())
	}
	erc20ABI = parsed
}

// ERC20 is a minimal ERC-20 contract binding bound to one token address.
type ERC20 struct {
	client  *Client
	address common.Address
}

// ERC20At binds an ERC20 helper to tokenAddress on client's chain.
func (c *Client) ERC20At(tokenAddress common.Address) *ERC20 {
	return &ERC20{client: c, address: tokenAddress}
}

// BalanceOf reads the token balance of owner.
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, errs.Wrap(errs.InputInvalid, "pack balanceOf", err)
	}
	out, err := t.call(ctx, data)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return nil, errs.Wrap(errs.OnChain, "unpack balanceOf", err)
	}
	return vals[0].(*big.Int), nil
}

// Transfer submits transfer(to, value) from the account owning key, using nonce.
func (t *ERC20) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, nonce uint64) (common.Hash, error) {
	data, err := erc20ABI.Pack("transfer", to, value)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.InputInvalid, "pack transfer", err)
	}
	return t.client.sendContractCall(ctx, key, t.address, data, nonce)
}

func (t *ERC20) call(ctx context.Context, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &t.address, Data: data}
	out, err := t.client.Eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, errs.Wrap(errs.OnChain, "eth_call", err)
	}
	return out, nil
}

// DecodeTransferLogs scans receipt's logs for ERC-20 Transfer events emitted
// by tokenAddress, returning the first one whose recipient matches to.
func DecodeTransferLogs(receipt *types.Receipt, tokenAddress, to common.Address) (value *big.Int, found bool) {
	transferTopic := erc20ABI.Events["Transfer"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != tokenAddress {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		recipient := common.BytesToAddress(lg.Topics[2].Bytes())
		if recipient != to {
			continue
		}
		v := new(big.Int).SetBytes(lg.Data)
		return v, true
	}
	return nil, false
}
