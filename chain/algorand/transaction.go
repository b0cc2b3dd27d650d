package algorand

import (
	"crypto/sha512"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

const (
	PaymentTx       = "pay"
	AssetTransferTx = "axfer"
)

var (
	txTag      = []byte("TX")
	messageTag = []byte("MX")
)

// msgpackHandle produces the canonical encoding: sorted keys, zero values
// omitted and byte slices as bin.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	h.Canonical = true
	h.RecursiveEmptyCheck = true
	return h
}()

// Transaction covers the pay and axfer fields this package builds.
type Transaction struct {
	AssetAmount   uint64 `codec:"aamt,omitempty"`
	Amount        uint64 `codec:"amt,omitempty"`
	AssetReceiver []byte `codec:"arcv,omitempty"`
	Fee           uint64 `codec:"fee,omitempty"`
	FirstValid    uint64 `codec:"fv,omitempty"`
	GenesisID     string `codec:"gen,omitempty"`
	GenesisHash   []byte `codec:"gh,omitempty"`
	LastValid     uint64 `codec:"lv,omitempty"`
	Note          []byte `codec:"note,omitempty"`
	Receiver      []byte `codec:"rcv,omitempty"`
	Sender        []byte `codec:"snd,omitempty"`
	Type          string `codec:"type,omitempty"`
	AssetID       uint64 `codec:"xaid,omitempty"`
}

type SignedTransaction struct {
	Sig []byte      `codec:"sig,omitempty"`
	Txn Transaction `codec:"txn"`
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return buf, nil
}

func decodeMsgpack(b []byte, v interface{}) error {
	return errors.Wrap(codec.NewDecoderBytes(b, msgpackHandle).Decode(v), "msgpack decode")
}

// BytesToSign is "TX" followed by the canonical encoding of tx.
func (tx *Transaction) BytesToSign() ([]byte, error) {
	enc, err := encodeMsgpack(tx)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, txTag...), enc...), nil
}

func (tx *Transaction) ID() (string, error) {
	msg, err := tx.BytesToSign()
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512_256(msg)
	return b32.EncodeToString(sum[:]), nil
}
