package starcoin

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const (
	GasTokenCode = "0x1::STC::STC"

	payloadScriptFunction = 2
	typeTagStruct         = 7
	authenticatorEd25519  = 0
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	stdlibAddress     = AccountAddress{AddressLength - 1: 1}
)

// StructTag names a Move struct without type parameters, e.g. a token
// type like 0x1::STC::STC.
type StructTag struct {
	Address AccountAddress
	Module  string
	Name    string
}

func ParseStructTag(s string) (StructTag, error) {
	var tag StructTag
	parts := strings.Split(s, "::")
	if len(parts) != 3 {
		return tag, errors.Errorf("token code should be <address>::<module>::<name>, got %q", s)
	}
	addr, encoding, err := ParseAddress(parts[0])
	if err != nil || encoding != EncodingHex {
		return tag, errors.Errorf("invalid token code address %q", parts[0])
	}
	if !identifierPattern.MatchString(parts[1]) || !identifierPattern.MatchString(parts[2]) {
		return tag, errors.Errorf("invalid token code identifiers %q", s)
	}
	return StructTag{Address: addr, Module: parts[1], Name: parts[2]}, nil
}

func (t StructTag) String() string {
	return t.Address.String() + "::" + t.Module + "::" + t.Name
}

func (t StructTag) encode(w *bcsWriter) {
	w.u8(typeTagStruct)
	w.fixed(t.Address[:])
	w.string(t.Module)
	w.string(t.Name)
	w.uleb128(0)
}

type ScriptFunction struct {
	ModuleAddress AccountAddress
	ModuleName    string
	Function      string
	TyArgs        []StructTag
	Args          [][]byte
}

func (f *ScriptFunction) encode(w *bcsWriter) {
	w.fixed(f.ModuleAddress[:])
	w.string(f.ModuleName)
	w.string(f.Function)
	w.uleb128(uint64(len(f.TyArgs)))
	for _, t := range f.TyArgs {
		t.encode(w)
	}
	w.uleb128(uint64(len(f.Args)))
	for _, a := range f.Args {
		w.bytes(a)
	}
}

// PeerToPeer calls 0x1::TransferScripts::peer_to_peer_v2<token>(payee, amount).
func PeerToPeer(token StructTag, payee AccountAddress, amount *big.Int) (*ScriptFunction, error) {
	encodedAmount, err := u128Bytes(amount)
	if err != nil {
		return nil, err
	}
	return &ScriptFunction{
		ModuleAddress: stdlibAddress,
		ModuleName:    "TransferScripts",
		Function:      "peer_to_peer_v2",
		TyArgs:        []StructTag{token},
		Args:          [][]byte{append([]byte{}, payee[:]...), encodedAmount},
	}, nil
}

type RawUserTransaction struct {
	Sender                  AccountAddress
	SequenceNumber          uint64
	Payload                 *ScriptFunction
	MaxGasAmount            uint64
	GasUnitPrice            uint64
	GasTokenCode            string
	ExpirationTimestampSecs uint64
	ChainID                 uint8
}

func (tx *RawUserTransaction) encode(w *bcsWriter) {
	w.fixed(tx.Sender[:])
	w.u64(tx.SequenceNumber)
	w.u8(payloadScriptFunction)
	tx.Payload.encode(w)
	w.u64(tx.MaxGasAmount)
	w.u64(tx.GasUnitPrice)
	w.string(tx.GasTokenCode)
	w.u64(tx.ExpirationTimestampSecs)
	w.u8(tx.ChainID)
}

func (tx *RawUserTransaction) Encode() ([]byte, error) {
	w := &bcsWriter{}
	tx.encode(w)
	return w.result()
}

// hashPrefix is the domain separator Starcoin prepends to hashed types.
func hashPrefix(typeName string) []byte {
	h := sha3.Sum256([]byte("STARCOIN::" + typeName))
	return h[:]
}

// SigningMessage is what the ed25519 key signs.
func (tx *RawUserTransaction) SigningMessage() ([]byte, error) {
	encoded, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	return append(hashPrefix("RawUserTransaction"), encoded...), nil
}

// EncodeSigned serializes a SignedUserTransaction with an ed25519
// authenticator and returns it with its transaction hash.
func EncodeSigned(tx *RawUserTransaction, pub, sig []byte) ([]byte, [32]byte, error) {
	w := &bcsWriter{}
	tx.encode(w)
	w.u8(authenticatorEd25519)
	w.bytes(pub)
	w.bytes(sig)
	signed, err := w.result()
	if err != nil {
		return nil, [32]byte{}, err
	}
	return signed, sha3.Sum256(append(hashPrefix("SignedUserTransaction"), signed...)), nil
}
