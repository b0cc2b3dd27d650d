package starcoin

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const (
	EncodingHex     = "hex"
	EncodingReceipt = "receipt"

	AddressLength  = 16
	schemeEd25519  = 0
	receiptHRP     = "stc"
	receiptVersion = 1
)

type AccountAddress [AddressLength]byte

func (a AccountAddress) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// AuthKey is the authentication key of a single ed25519 key.
func AuthKey(pub ed25519.PublicKey) [32]byte {
	preimage := make([]byte, 0, len(pub)+1)
	preimage = append(preimage, pub...)
	return sha3.Sum256(append(preimage, schemeEd25519))
}

func AddressFromPubkey(pub ed25519.PublicKey) AccountAddress {
	key := AuthKey(pub)
	var a AccountAddress
	copy(a[:], key[32-AddressLength:])
	return a
}

// EncodeReceipt renders a receipt identifier. authKey may be nil.
func EncodeReceipt(addr AccountAddress, authKey []byte) (string, error) {
	data := append(append([]byte{}, addr[:]...), authKey...)
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", errors.Wrap(err, "convert receipt bits")
	}
	return bech32.Encode(receiptHRP, append([]byte{receiptVersion}, conv...))
}

// DecodeReceipt returns the address of a receipt identifier together with
// the authentication key it carries, if any.
func DecodeReceipt(s string) (AccountAddress, []byte, error) {
	var a AccountAddress
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return a, nil, errors.Wrap(err, "decode receipt identifier")
	}
	if hrp != receiptHRP || len(data) == 0 || data[0] != receiptVersion {
		return a, nil, errors.Errorf("not a starcoin receipt identifier: %s", s)
	}
	raw, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return a, nil, errors.Wrap(err, "convert receipt bits")
	}
	switch len(raw) {
	case AddressLength:
		copy(a[:], raw)
		return a, nil, nil
	case AddressLength + 32:
		copy(a[:], raw)
		return a, raw[AddressLength:], nil
	}
	return a, nil, errors.Errorf("receipt payload should be 16 or 48 bytes, got %d", len(raw))
}

// ParseAddress accepts 0x hex, short hex such as 0x1, and receipt
// identifiers. The second result is the encoding found.
func ParseAddress(s string) (AccountAddress, string, error) {
	var a AccountAddress
	if strings.HasPrefix(strings.ToLower(s), receiptHRP+"1") {
		addr, _, err := DecodeReceipt(s)
		return addr, EncodingReceipt, err
	}
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h) == 0 || len(h) > 2*AddressLength {
		return a, "", errors.Errorf("invalid starcoin address %q", s)
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return a, "", errors.Wrapf(err, "invalid starcoin address %q", s)
	}
	copy(a[AddressLength-len(b):], b)
	return a, EncodingHex, nil
}
