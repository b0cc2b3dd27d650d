package signer

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/secret/encryptors"
	"github.com/dapplink-baas/wallet-chain-provider/storage"
)

const keyPrefix = "key:"

type keyRecord struct {
	Curve      string `json:"curve"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyStore resolves signers by address from password encrypted private keys
// held in a storage.Store.
type KeyStore struct {
	store    storage.Store
	password string
}

func NewKeyStore(store storage.Store, password string) *KeyStore {
	return &KeyStore{store: store, password: password}
}

func (k *KeyStore) Import(ctx context.Context, address, curve string, prv []byte) error {
	if _, err := NewPrivateKeySigner(curve, prv); err != nil {
		return err
	}
	ct, err := encryptors.Encrypt(k.password, prv)
	if err != nil {
		return err
	}
	data, err := json.Marshal(keyRecord{Curve: curve, Ciphertext: ct})
	if err != nil {
		return errors.Wrap(err, "encode key record")
	}
	if _, err := k.store.Set(ctx, keyPrefix+address, data); err != nil {
		log.Error("store key fail", "address", address, "err", err)
		return err
	}
	return nil
}

func (k *KeyStore) Signer(ctx context.Context, address string) (chain.Signer, error) {
	signers, err := k.Signers(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return signers[address], nil
}

// Signers loads every address in one storage round trip. A missing address
// is a NotFoundError; a wrong password is encryptors.ErrIncorrectPassword.
func (k *KeyStore) Signers(ctx context.Context, addresses []string) (map[string]chain.Signer, error) {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = keyPrefix + a
	}
	values, err := k.store.Get(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]chain.Signer, len(addresses))
	for i, raw := range values {
		if raw == nil {
			return nil, chain.NewNotFoundError("key of %s", addresses[i])
		}
		var rec keyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode key record of %s", addresses[i])
		}
		prv, err := encryptors.Decrypt(k.password, rec.Ciphertext)
		if err != nil {
			return nil, err
		}
		s, err := NewPrivateKeySigner(rec.Curve, prv)
		if err != nil {
			// padding survived a wrong key but the plaintext is garbage
			return nil, encryptors.ErrIncorrectPassword
		}
		out[addresses[i]] = s
	}
	return out, nil
}

func (k *KeyStore) Remove(ctx context.Context, addresses []string) (int, error) {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = keyPrefix + a
	}
	return k.store.Delete(ctx, keys)
}
