package secret

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dapplink-baas/wallet-chain-provider/secret/bip32"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestParsePath(t *testing.T) {
	idx, err := ParsePath("m/44'/60'/0'/0/3")
	require.NoError(t, err)
	require.Equal(t, []uint32{44 + bip32.HardenedOffset, 60 + bip32.HardenedOffset, bip32.HardenedOffset, 0, 3}, idx)

	idx, err = ParsePath("m/0h/1H")
	require.NoError(t, err)
	require.Equal(t, []uint32{bip32.HardenedOffset, 1 + bip32.HardenedOffset}, idx)

	idx, err = ParsePath("m")
	require.NoError(t, err)
	require.Empty(t, idx)

	for _, bad := range []string{"44'/0", "m/x", "m/2147483648", "m/-1"} {
		_, err := ParsePath(bad)
		require.Error(t, err, bad)
	}
}

func TestDerivePrivateVector(t *testing.T) {
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	key, err := DerivePrivate("secp256k1", seed, "m/0'/1")
	require.NoError(t, err)
	require.Equal(t, "3c6cb8d0f6a264c91ea8b5030fadaa8e538b020f0a387421a12de9319dc93368", hex.EncodeToString(key.Key))

	_, err = DerivePrivate("ed25519", seed, "m/0'/1")
	require.ErrorIs(t, err, bip32.ErrNonHardenedEd25519)
}

func TestDerivePublicMatchesPrivate(t *testing.T) {
	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	account, err := DerivePrivate("secp256k1", seed, "m/44'/0'/0'")
	require.NoError(t, err)
	accountPub, err := bip32.NewSecp256k1Deriver().N(account)
	require.NoError(t, err)

	viaPub, err := DerivePublic("secp256k1", accountPub, "0/5")
	require.NoError(t, err)
	leaf, err := DerivePrivate("secp256k1", seed, "m/44'/0'/0'/0/5")
	require.NoError(t, err)
	pair, err := NewKeyPair("secp256k1", leaf.Key)
	require.NoError(t, err)
	require.Equal(t, pair.PublicKey, viaPub.Key)
}

func TestSeedFromMnemonic(t *testing.T) {
	seed, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	require.NoError(t, err)
	require.Equal(t, "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04", hex.EncodeToString(seed))

	_, err = SeedFromMnemonic("abandon abandon", "")
	require.Error(t, err)

	words, err := NewMnemonic(128)
	require.NoError(t, err)
	_, err = SeedFromMnemonic(words, "")
	require.NoError(t, err)
}

func TestKeyPairFromMnemonic(t *testing.T) {
	a, err := KeyPairFromMnemonic("ed25519", testMnemonic, "", "m/44'/501'/0'/0'")
	require.NoError(t, err)
	b, err := KeyPairFromMnemonic("ed25519", testMnemonic, "", "m/44'/501'/0'/0'")
	require.NoError(t, err)
	require.Equal(t, a.PublicKey, b.PublicKey)
	require.Len(t, a.PublicKey, 32)
}
