package near

import (
	"crypto/ed25519"
	"math/big"
)

const keyTypeED25519 = 0

// Action discriminants of the NEAR Action enum.
const (
	actionFunctionCall = 2
	actionTransfer     = 3
)

type Action interface {
	encode(w *borshWriter)
}

type Transfer struct {
	Deposit *big.Int
}

func (a *Transfer) encode(w *borshWriter) {
	w.u8(actionTransfer)
	w.u128(a.Deposit)
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *big.Int
}

func (a *FunctionCall) encode(w *borshWriter) {
	w.u8(actionFunctionCall)
	w.string(a.MethodName)
	w.bytes(a.Args)
	w.u64(a.Gas)
	w.u128(a.Deposit)
}

type Transaction struct {
	SignerID   string
	PublicKey  ed25519.PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

func (tx *Transaction) Encode() ([]byte, error) {
	w := &borshWriter{}
	w.string(tx.SignerID)
	w.u8(keyTypeED25519)
	w.fixed(tx.PublicKey)
	w.u64(tx.Nonce)
	w.string(tx.ReceiverID)
	w.fixed(tx.BlockHash[:])
	w.u32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		a.encode(w)
	}
	return w.result()
}

// encodeSignedTransaction appends the ed25519 Signature to an encoded
// Transaction.
func encodeSignedTransaction(tx, sig []byte) []byte {
	out := make([]byte, 0, len(tx)+1+len(sig))
	out = append(out, tx...)
	out = append(out, keyTypeED25519)
	return append(out, sig...)
}
