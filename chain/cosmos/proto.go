package cosmos

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Hand encoded subset of the cosmos-sdk tx protos. Fields follow proto3
// rules: scalars equal to their zero value are left out, embedded messages
// are written whenever present.

const (
	msgSendTypeURL      = "/cosmos.bank.v1beta1.MsgSend"
	secp256k1PubKeyType = "/cosmos.crypto.secp256k1.PubKey"
	ed25519PubKeyType   = "/cosmos.crypto.ed25519.PubKey"

	signModeDirect = 1
)

type Coin struct {
	Denom  string
	Amount string
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeCoin(c Coin) []byte {
	var b []byte
	b = appendString(b, 1, c.Denom)
	return appendString(b, 2, c.Amount)
}

func encodeAny(typeURL string, value []byte) []byte {
	var b []byte
	b = appendString(b, 1, typeURL)
	return appendBytes(b, 2, value)
}

func encodeMsgSend(from, to string, amount []Coin) []byte {
	var b []byte
	b = appendString(b, 1, from)
	b = appendString(b, 2, to)
	for _, c := range amount {
		b = appendMessage(b, 3, encodeCoin(c))
	}
	return b
}

func encodeTxBody(messages [][]byte, memo string, timeoutHeight uint64) []byte {
	var b []byte
	for _, m := range messages {
		b = appendMessage(b, 1, m)
	}
	b = appendString(b, 2, memo)
	return appendUint64(b, 3, timeoutHeight)
}

// encodePubKey wraps a key in its Any. Both key messages carry the key
// bytes in field 1.
func encodePubKey(curve string, key []byte) []byte {
	typeURL := secp256k1PubKeyType
	if curve == CurveEd25519 {
		typeURL = ed25519PubKeyType
	}
	return encodeAny(typeURL, appendBytes(nil, 1, key))
}

func encodeModeInfoDirect() []byte {
	single := appendUint64(nil, 1, signModeDirect)
	return appendMessage(nil, 1, single)
}

func encodeSignerInfo(pubKeyAny []byte, sequence uint64) []byte {
	var b []byte
	b = appendMessage(b, 1, pubKeyAny)
	b = appendMessage(b, 2, encodeModeInfoDirect())
	return appendUint64(b, 3, sequence)
}

func encodeFee(amount []Coin, gasLimit uint64) []byte {
	var b []byte
	for _, c := range amount {
		b = appendMessage(b, 1, encodeCoin(c))
	}
	return appendUint64(b, 2, gasLimit)
}

func encodeAuthInfo(signerInfos [][]byte, fee []byte) []byte {
	var b []byte
	for _, s := range signerInfos {
		b = appendMessage(b, 1, s)
	}
	return appendMessage(b, 2, fee)
}

func encodeSignDoc(body, authInfo []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = appendBytes(b, 1, body)
	b = appendBytes(b, 2, authInfo)
	b = appendString(b, 3, chainID)
	return appendUint64(b, 4, accountNumber)
}

func encodeTxRaw(body, authInfo []byte, signatures [][]byte) []byte {
	var b []byte
	b = appendBytes(b, 1, body)
	b = appendBytes(b, 2, authInfo)
	for _, s := range signatures {
		b = appendMessage(b, 3, s)
	}
	return b
}
