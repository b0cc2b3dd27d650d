package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

// Message types accepted by SignMessage and VerifyMessage.
const (
	EthSign = iota
	PersonalSign
	TypedDataV1
	TypedDataV3
	TypedDataV4
)

// messageHash returns the digest that a wallet signs for msg.
func messageHash(msg *chain.TypedMessage) ([]byte, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return nil, err
	}
	switch msg.Type {
	case EthSign:
		digest, err := hexutil.Decode(msg.Message)
		if err != nil || len(digest) != 32 {
			return nil, &chain.PreconditionError{Msg: "eth_sign message must be a 0x prefixed 32 byte hash"}
		}
		return digest, nil
	case PersonalSign:
		data := []byte(msg.Message)
		if b, err := hexutil.Decode(msg.Message); err == nil {
			data = b
		}
		return accounts.TextHash(data), nil
	case TypedDataV1:
		return legacyTypedDataHash(msg.Message)
	case TypedDataV3, TypedDataV4:
		var typed apitypes.TypedData
		if err := json.Unmarshal([]byte(msg.Message), &typed); err != nil {
			return nil, errors.Wrap(err, "decode typed data")
		}
		hash, _, err := apitypes.TypedDataAndHash(typed)
		if err != nil {
			return nil, errors.Wrap(err, "hash typed data")
		}
		return hash, nil
	}
	return nil, chain.NotImplemented("evm message type " + strconv.Itoa(msg.Type))
}

type legacyTypedField struct {
	Type  string      `json:"type"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// legacyTypedDataHash implements the first eth_signTypedData draft:
// keccak(keccak(types and names) || keccak(packed values)).
func legacyTypedDataHash(message string) ([]byte, error) {
	var fields []legacyTypedField
	if err := json.Unmarshal([]byte(message), &fields); err != nil {
		return nil, errors.Wrap(err, "decode typed data v1")
	}
	if err := chain.Check(len(fields) > 0, "typed data v1 must not be empty"); err != nil {
		return nil, err
	}
	var schema, values []byte
	for _, f := range fields {
		schema = append(schema, f.Type+" "+f.Name...)
		packed, err := packLegacyValue(f.Type, f.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.Name)
		}
		values = append(values, packed...)
	}
	return crypto.Keccak256(crypto.Keccak256(schema), crypto.Keccak256(values)), nil
}

func packLegacyValue(typ string, value interface{}) ([]byte, error) {
	str := func() string {
		switch v := value.(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
		return ""
	}
	switch {
	case typ == "string":
		return []byte(str()), nil
	case typ == "bool":
		if b, _ := value.(bool); b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case typ == "address":
		if !common.IsHexAddress(str()) {
			return nil, errors.Errorf("invalid address %v", value)
		}
		return common.HexToAddress(str()).Bytes(), nil
	case typ == "bytes":
		return hexutil.Decode(str())
	case strings.HasPrefix(typ, "bytes"):
		size, err := strconv.Atoi(strings.TrimPrefix(typ, "bytes"))
		if err != nil || size < 1 || size > 32 {
			return nil, errors.Errorf("invalid type %s", typ)
		}
		b, err := hexutil.Decode(str())
		if err != nil {
			return nil, err
		}
		return common.RightPadBytes(b, size)[:size], nil
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		bits := 256
		if s := strings.TrimPrefix(strings.TrimPrefix(typ, "u"), "int"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n%8 != 0 || n < 8 || n > 256 {
				return nil, errors.Errorf("invalid type %s", typ)
			}
			bits = n
		}
		n, ok := new(big.Int).SetString(str(), 0)
		if !ok {
			return nil, errors.Errorf("invalid integer %v", value)
		}
		if n.Sign() < 0 {
			// two's complement in the field width
			n.Add(n, new(big.Int).Lsh(big.NewInt(1), uint(bits)))
		}
		return common.LeftPadBytes(n.Bytes(), bits/8), nil
	}
	return nil, errors.Errorf("unsupported type %s", typ)
}

// SignMessage returns the 0x prefixed r||s||v signature with v in {27, 28}.
func (c *ChainAdaptor) SignMessage(ctx context.Context, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	digest, err := messageHash(msg)
	if err != nil {
		return "", err
	}
	rs, v, err := signer.Sign(ctx, digest)
	if err != nil {
		return "", err
	}
	if len(rs) < 64 {
		return "", errors.Errorf("unexpected signature length %d", len(rs))
	}
	sig := make([]byte, 65)
	copy(sig, rs[:64])
	sig[64] = byte(v) + 27
	return hexutil.Encode(sig), nil
}

func (c *ChainAdaptor) VerifyMessage(ctx context.Context, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	digest, err := messageHash(msg)
	if err != nil {
		return false, err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return false, nil
	}
	sig = append([]byte{}, sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address), nil
}
