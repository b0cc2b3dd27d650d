package chain

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Verifier exposes a public key and checks signatures made with it.
type Verifier interface {
	GetPubkey(compressed bool) ([]byte, error)
	Verify(digest, signature []byte) (bool, error)
}

// Signer signs digests for one key. Sign returns r||s (or the ed25519
// signature) plus the recovery id for EC curves.
type Signer interface {
	Verifier
	Sign(ctx context.Context, digest []byte) ([]byte, int, error)
	GetPrvkey() ([]byte, error)
}

// ClientSelector returns the first configured client accepted by filter.
// A nil filter accepts any client.
type ClientSelector func(ctx context.Context, filter func(BaseClient) bool) (BaseClient, error)

// SelectClient asks selector for a client of concrete type T.
func SelectClient[T BaseClient](ctx context.Context, selector ClientSelector) (T, error) {
	var zero T
	c, err := selector(ctx, func(c BaseClient) bool {
		_, ok := c.(T)
		return ok
	})
	if err != nil {
		return zero, err
	}
	typed, ok := c.(T)
	if !ok {
		return zero, NewNotFoundError("client of type %T", zero)
	}
	return typed, nil
}

// BaseProvider is the write path of a chain.
type BaseProvider interface {
	ChainInfo() *ChainInfo
	PubkeyToAddress(ctx context.Context, verifier Verifier, encoding string) (string, error)
	// VerifyAddress never fails; malformed input yields IsValid false.
	VerifyAddress(address string) *AddressValidation
	BuildUnsignedTx(ctx context.Context, tx *UnsignedTx) (*UnsignedTx, error)
	// SignTransaction encodes tx as built and signs it with the signer of
	// each input address. It never recomputes fee or nonce.
	SignTransaction(ctx context.Context, tx *UnsignedTx, signers map[string]Signer) (*SignedTx, error)
	SignMessage(ctx context.Context, msg *TypedMessage, signer Signer) (string, error)
	VerifyMessage(ctx context.Context, address string, msg *TypedMessage, signature string) (bool, error)

	HardwareGetXpubs(ctx context.Context, sdk HardwareSDK, paths []string, showOnDevice bool) ([]HardwareXpub, error)
	HardwareGetAddress(ctx context.Context, sdk HardwareSDK, path string, showOnDevice bool, encoding string) (string, error)
	HardwareSignTransaction(ctx context.Context, sdk HardwareSDK, tx *UnsignedTx, signers map[string]string) (*SignedTx, error)
	HardwareSignMessage(ctx context.Context, sdk HardwareSDK, msg *TypedMessage, signerPath string) (string, error)
	HardwareVerifyMessage(ctx context.Context, sdk HardwareSDK, address string, msg *TypedMessage, signature string) (bool, error)
}

// TokenAddressVerifier is implemented by providers whose token identifiers
// are not account addresses.
type TokenAddressVerifier interface {
	VerifyTokenAddress(address string) *AddressValidation
}

func VerifyTokenAddress(p BaseProvider, address string) *AddressValidation {
	if v, ok := p.(TokenAddressVerifier); ok {
		return v.VerifyTokenAddress(address)
	}
	return p.VerifyAddress(address)
}

// Provider carries the state shared by every chain provider. Embedding it
// also supplies NotImplementedError defaults for message signing and the
// hardware operations.
type Provider struct {
	Info   *ChainInfo
	Client ClientSelector
}

func NewProvider(info *ChainInfo, selector ClientSelector) Provider {
	return Provider{Info: info, Client: selector}
}

func (p Provider) ChainInfo() *ChainInfo {
	return p.Info
}

// AnyClient returns the preferred client of the chain.
func (p Provider) AnyClient(ctx context.Context) (BaseClient, error) {
	if p.Client == nil {
		return nil, NewNotFoundError("client selector for chain %s", p.Info.Code)
	}
	return p.Client(ctx, nil)
}

func (p Provider) SignMessage(ctx context.Context, msg *TypedMessage, signer Signer) (string, error) {
	return "", p.notImplemented("SignMessage")
}

func (p Provider) VerifyMessage(ctx context.Context, address string, msg *TypedMessage, signature string) (bool, error) {
	return false, p.notImplemented("VerifyMessage")
}

func (p Provider) HardwareGetXpubs(ctx context.Context, sdk HardwareSDK, paths []string, showOnDevice bool) ([]HardwareXpub, error) {
	return nil, p.notImplemented("HardwareGetXpubs")
}

func (p Provider) HardwareGetAddress(ctx context.Context, sdk HardwareSDK, path string, showOnDevice bool, encoding string) (string, error) {
	return "", p.notImplemented("HardwareGetAddress")
}

func (p Provider) HardwareSignTransaction(ctx context.Context, sdk HardwareSDK, tx *UnsignedTx, signers map[string]string) (*SignedTx, error) {
	return nil, p.notImplemented("HardwareSignTransaction")
}

func (p Provider) HardwareSignMessage(ctx context.Context, sdk HardwareSDK, msg *TypedMessage, signerPath string) (string, error) {
	return "", p.notImplemented("HardwareSignMessage")
}

func (p Provider) HardwareVerifyMessage(ctx context.Context, sdk HardwareSDK, address string, msg *TypedMessage, signature string) (bool, error) {
	return false, p.notImplemented("HardwareVerifyMessage")
}

func (p Provider) notImplemented(op string) error {
	code := ""
	if p.Info != nil {
		code = p.Info.Code
	}
	return NotImplemented(fmt.Sprintf("%s on %s", op, code))
}

// SignerFor returns the signer registered for address.
func SignerFor(signers map[string]Signer, address string) (Signer, error) {
	s, ok := signers[address]
	if !ok || s == nil {
		return nil, &PreconditionError{Msg: "signer of " + address + " should be specified"}
	}
	return s, nil
}

// Payload helpers. Payload values are whatever the provider stored, so a
// type mismatch is reported as a precondition failure.

func PayloadString(tx *UnsignedTx, key string) (string, bool) {
	if tx == nil || tx.Payload == nil {
		return "", false
	}
	s, ok := tx.Payload[key].(string)
	return s, ok && s != ""
}

func PayloadValue[T any](tx *UnsignedTx, key string) (T, error) {
	var zero T
	if tx == nil || tx.Payload == nil {
		return zero, &PreconditionError{Msg: "payload." + key + " should be defined"}
	}
	raw, ok := tx.Payload[key]
	if !ok || raw == nil {
		return zero, &PreconditionError{Msg: "payload." + key + " should be defined"}
	}
	v, ok := raw.(T)
	if !ok {
		return zero, errors.WithStack(&PreconditionError{Msg: fmt.Sprintf("payload.%s has type %T", key, raw)})
	}
	return v, nil
}

// PayloadUint64 reads a numeric payload value. Payloads that went through
// JSON carry float64 or decimal strings, so those are accepted too.
func PayloadUint64(tx *UnsignedTx, key string) (uint64, error) {
	if tx == nil || tx.Payload == nil || tx.Payload[key] == nil {
		return 0, &PreconditionError{Msg: "payload." + key + " should be defined"}
	}
	switch v := tx.Payload[key].(type) {
	case uint64:
		return v, nil
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case float64:
		if v >= 0 && v == float64(uint64(v)) {
			return uint64(v), nil
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, &PreconditionError{Msg: fmt.Sprintf("payload.%s is not an unsigned integer: %v", key, tx.Payload[key])}
}
