package payment

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// VerifyInvoiceSignature reports whether invoice carries a signature that
// (a) was produced by the private key behind invoice.PublicKey over the
// invoice's canonical JSON with Signature/PublicKey cleared, and (b)
// belongs to the address invoice.Recipient names as payee. An invoice with
// no signature is reported unsigned rather than invalid: signing is
// optional for nodes running without a private key.
func VerifyInvoiceSignature(invoice model.Invoice) (signed, valid bool, err error) {
	if invoice.Signature == "" || invoice.PublicKey == "" {
		return false, false, nil
	}

	unsigned := invoice
	unsigned.Signature = ""
	unsigned.PublicKey = ""
	msg, err := Canonicalize(&unsigned)
	if err != nil {
		return true, false, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(invoice.Signature, "0x"))
	if err != nil {
		return true, false, errs.Wrap(errs.InputInvalid, "decode invoice signature", err)
	}

	recovered, err := chain.RecoverAddress(msg, sig)
	if err != nil {
		return true, false, err
	}
	declared, err := chain.AddressFromPublicKeyHex(invoice.PublicKey)
	if err != nil {
		return true, false, err
	}
	if recovered != declared {
		return true, false, nil
	}
	return true, recovered == common.HexToAddress(invoice.Recipient), nil
}
