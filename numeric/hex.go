package numeric

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// BigToHex encodes n as a 0x-prefixed quantity without leading zeros.
func BigToHex(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(n)
}

// HexToBig parses a 0x-prefixed (or bare) hex quantity. Leading zeros are
// tolerated since several non-EVM nodes emit padded quantities.
func HexToBig(s string) (*big.Int, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if raw == "" {
		return nil, errors.Errorf("empty hex quantity %q", s)
	}
	n, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, errors.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

func HexToUint64(s string) (uint64, error) {
	n, err := HexToBig(s)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, errors.Errorf("hex quantity %q overflows uint64", s)
	}
	return n.Uint64(), nil
}

func Uint64ToHex(n uint64) string {
	return hexutil.EncodeUint64(n)
}

// DecodeHexBytes decodes hex with or without a 0x prefix.
func DecodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if len(s)%2 == 1 {
		s = "0x0" + s[2:]
	}
	return hexutil.Decode(s)
}

// DecimalStringToBig parses a base-10 integer string.
func DecimalStringToBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.Errorf("invalid integer %q", s)
	}
	return n, nil
}
